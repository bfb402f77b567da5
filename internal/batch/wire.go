package batch

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are frozen; changing them breaks every batch already on disk.
const (
	batchFieldData     = 1
	batchFieldKey      = 2
	batchFieldMetadata = 3

	dataFieldLogBlob = 1

	keyFieldEncryptionType = 1
	keyFieldWrappedKey     = 2
	keyFieldIV             = 3

	metaFieldBlobSize       = 1
	metaFieldTimestamp      = 2
	metaFieldDevice         = 3
	metaFieldEncryptionType = 4

	deviceFieldID = 1
)

// Marshal encodes the batch in protobuf wire format.
// Zero-valued fields are elided, matching proto3 encoding rules.
func Marshal(b *LogBatch) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrIncomplete)
	}

	var buf []byte

	if data := appendLogData(nil, &b.Data); len(data) > 0 {
		buf = protowire.AppendTag(buf, batchFieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, data)
	}
	if key := appendLogKey(nil, &b.Key); len(key) > 0 {
		buf = protowire.AppendTag(buf, batchFieldKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, key)
	}
	if meta := appendLogMetadata(nil, &b.Metadata); len(meta) > 0 {
		buf = protowire.AppendTag(buf, batchFieldMetadata, protowire.BytesType)
		buf = protowire.AppendBytes(buf, meta)
	}

	return buf, nil
}

func appendLogData(buf []byte, d *LogData) []byte {
	if len(d.LogBlob) > 0 {
		buf = protowire.AppendTag(buf, dataFieldLogBlob, protowire.BytesType)
		buf = protowire.AppendBytes(buf, d.LogBlob)
	}
	return buf
}

func appendLogKey(buf []byte, k *LogKey) []byte {
	if k.KeyEncryptionType != 0 {
		buf = protowire.AppendTag(buf, keyFieldEncryptionType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(k.KeyEncryptionType))
	}
	if len(k.EncryptedSymmetricKey) > 0 {
		buf = protowire.AppendTag(buf, keyFieldWrappedKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, k.EncryptedSymmetricKey)
	}
	if len(k.IV) > 0 {
		buf = protowire.AppendTag(buf, keyFieldIV, protowire.BytesType)
		buf = protowire.AppendBytes(buf, k.IV)
	}
	return buf
}

func appendLogMetadata(buf []byte, m *LogMetadata) []byte {
	if m.BlobSize != 0 {
		buf = protowire.AppendTag(buf, metaFieldBlobSize, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.BlobSize))
	}
	if m.TimestampMillis != 0 {
		buf = protowire.AppendTag(buf, metaFieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.TimestampMillis))
	}
	if m.DeviceID != "" {
		var dev []byte
		dev = protowire.AppendTag(dev, deviceFieldID, protowire.BytesType)
		dev = protowire.AppendString(dev, m.DeviceID)

		buf = protowire.AppendTag(buf, metaFieldDevice, protowire.BytesType)
		buf = protowire.AppendBytes(buf, dev)
	}
	if m.EncryptionType != 0 {
		buf = protowire.AppendTag(buf, metaFieldEncryptionType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.EncryptionType))
	}
	return buf
}

// Unmarshal decodes a batch from protobuf wire format.
// Unknown fields are skipped so older readers tolerate newer writers.
func Unmarshal(data []byte) (*LogBatch, error) {
	b := &LogBatch{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		data = data[n:]

		switch {
		case num == batchFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated data message", ErrMalformed)
			}
			if err := parseLogData(v, &b.Data); err != nil {
				return nil, err
			}
			data = data[n:]

		case num == batchFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated key message", ErrMalformed)
			}
			if err := parseLogKey(v, &b.Key); err != nil {
				return nil, err
			}
			data = data[n:]

		case num == batchFieldMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated metadata message", ErrMalformed)
			}
			if err := parseLogMetadata(v, &b.Metadata); err != nil {
				return nil, err
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: unknown field %d undecodable", ErrMalformed, num)
			}
			data = data[n:]
		}
	}

	return b, nil
}

func parseLogData(data []byte, d *LogData) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag in data", ErrMalformed)
		}
		data = data[n:]

		if num == dataFieldLogBlob && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated log blob", ErrMalformed)
			}
			d.LogBlob = append([]byte(nil), v...)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return fmt.Errorf("%w: unknown field %d in data", ErrMalformed, num)
		}
		data = data[n:]
	}
	return nil
}

func parseLogKey(data []byte, k *LogKey) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag in key", ErrMalformed)
		}
		data = data[n:]

		switch {
		case num == keyFieldEncryptionType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated key encryption type", ErrMalformed)
			}
			k.KeyEncryptionType = KeyEncryptionType(v)
			data = data[n:]

		case num == keyFieldWrappedKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated wrapped key", ErrMalformed)
			}
			k.EncryptedSymmetricKey = append([]byte(nil), v...)
			data = data[n:]

		case num == keyFieldIV && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated iv", ErrMalformed)
			}
			k.IV = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d in key", ErrMalformed, num)
			}
			data = data[n:]
		}
	}
	return nil
}

func parseLogMetadata(data []byte, m *LogMetadata) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag in metadata", ErrMalformed)
		}
		data = data[n:]

		switch {
		case num == metaFieldBlobSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated blob size", ErrMalformed)
			}
			m.BlobSize = int64(v)
			data = data[n:]

		case num == metaFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated timestamp", ErrMalformed)
			}
			m.TimestampMillis = int64(v)
			data = data[n:]

		case num == metaFieldDevice && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated device message", ErrMalformed)
			}
			if err := parseDevice(v, m); err != nil {
				return err
			}
			data = data[n:]

		case num == metaFieldEncryptionType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated encryption type", ErrMalformed)
			}
			m.EncryptionType = EncryptionType(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d in metadata", ErrMalformed, num)
			}
			data = data[n:]
		}
	}
	return nil
}

func parseDevice(data []byte, m *LogMetadata) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag in device", ErrMalformed)
		}
		data = data[n:]

		if num == deviceFieldID && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: truncated device id", ErrMalformed)
			}
			m.DeviceID = string(v)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return fmt.Errorf("%w: unknown field %d in device", ErrMalformed, num)
		}
		data = data[n:]
	}
	return nil
}
