package data

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/fedhive/engine/coordinator"
)

// Codec serializes records and coordinator types to Arrow IPC stream bytes.
type Codec struct {
	converter *Converter
}

// NewCodec creates a Codec.
func NewCodec() *Codec {
	return &Codec{converter: NewConverter()}
}

// SerializeRecord writes one Arrow record as IPC stream bytes.
func (c *Codec) SerializeRecord(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()))
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeRecord reads the first record from IPC stream bytes. The caller
// owns the returned record and must Release it.
func (c *Codec) DeserializeRecord(raw []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, fmt.Errorf("no records in IPC data")
	}

	record := reader.Record()
	record.Retain()
	return record, nil
}

// EncodeUpdates serializes model updates to IPC bytes.
func (c *Codec) EncodeUpdates(updates []*coordinator.ModelUpdate) ([]byte, error) {
	record, err := c.converter.UpdatesToRecord(updates)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return c.SerializeRecord(record)
}

// DecodeUpdates deserializes IPC bytes back to model updates.
func (c *Codec) DecodeUpdates(raw []byte) ([]*coordinator.ModelUpdate, error) {
	record, err := c.DeserializeRecord(raw)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return c.converter.RecordToUpdates(record)
}

// EncodeModel serializes a global model to IPC bytes.
func (c *Codec) EncodeModel(model *coordinator.GlobalModel) ([]byte, error) {
	record, err := c.converter.ModelToRecord(model)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return c.SerializeRecord(record)
}

// DecodeModel deserializes IPC bytes back to a global model.
func (c *Codec) DecodeModel(raw []byte) (*coordinator.GlobalModel, error) {
	record, err := c.DeserializeRecord(raw)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return c.converter.RecordToModel(record)
}
