package message

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PubRecord is the three-field logical record carried on the pub/sub
// overlay: topic key, sender identity ("ip:pub-port"), message bytes.
type PubRecord struct {
	Topic   string `msgpack:"t"`
	From    string `msgpack:"f"`
	Payload []byte `msgpack:"m"`
}

// ReqRecord is the two-field logical record carried on request sockets:
// sender identity, message bytes.
type ReqRecord struct {
	From    string `msgpack:"f"`
	Payload []byte `msgpack:"m"`
}

// Encode serializes a message with the wire codec.
func Encode(m Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m, err)
	}
	return data, nil
}

// Decode deserializes message bytes produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// EncodePub serializes a publish record wrapping the given message.
func EncodePub(topic, from string, m Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(PubRecord{Topic: topic, From: from, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode publish record: %w", err)
	}
	return data, nil
}

// DecodePub deserializes a publish record and its inner message.
func DecodePub(data []byte) (PubRecord, Message, error) {
	var rec PubRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return PubRecord{}, Message{}, fmt.Errorf("decode publish record: %w", err)
	}
	m, err := Decode(rec.Payload)
	if err != nil {
		return rec, Message{}, err
	}
	return rec, m, nil
}

// EncodeReq serializes a request record wrapping the given message.
func EncodeReq(from string, m Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(ReqRecord{From: from, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode request record: %w", err)
	}
	return data, nil
}

// DecodeReq deserializes a request record and its inner message.
func DecodeReq(data []byte) (ReqRecord, Message, error) {
	var rec ReqRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return ReqRecord{}, Message{}, fmt.Errorf("decode request record: %w", err)
	}
	m, err := Decode(rec.Payload)
	if err != nil {
		return rec, Message{}, err
	}
	return rec, m, nil
}
