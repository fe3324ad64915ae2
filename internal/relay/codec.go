// Package relay forwards accepted shares between pool nodes over ZeroMQ.
//
// A relay message has three frames: the topic (pool id), a 4-byte flags word
// and the payload. Bit 0 of the flags marks an LZ4 compressed payload, bits
// 8..11 select the payload encoding.
package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/poolcore/internal/share"
)

// Encoding selects how an envelope is serialized.
type Encoding uint32

// Payload encodings.
const (
	EncodingJSON  Encoding = 1
	EncodingProto Encoding = 2
)

const (
	flagCompressed uint32 = 1 << 0
	encodingShift         = 8
	encodingMask   uint32 = 0xF << encodingShift
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingProto:
		return "proto"
	default:
		return fmt.Sprintf("encoding(%d)", uint32(e))
	}
}

func (e Encoding) valid() bool {
	return e == EncodingJSON || e == EncodingProto
}

// ParseEncoding maps a configuration value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "proto", "protobuf":
		return EncodingProto, nil
	default:
		return 0, fmt.Errorf("unknown relay encoding %q", s)
	}
}

// Envelope wraps a share with its publisher identity and sequence number.
type Envelope struct {
	Origin string       `json:"origin"`
	Epoch  int64        `json:"epoch"`
	Seq    uint64       `json:"seq"`
	Share  *share.Share `json:"share"`
}

// Flags is the decoded flags frame.
type Flags struct {
	Encoding   Encoding
	Compressed bool
}

func (f Flags) word() uint32 {
	w := (uint32(f.Encoding) << encodingShift) & encodingMask
	if f.Compressed {
		w |= flagCompressed
	}
	return w
}

// MarshalFlags encodes f as a little-endian flags frame.
func MarshalFlags(f Flags) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, f.word())
	return b
}

// ParseFlags decodes a flags frame. Publishers on big-endian hosts write the
// word in their native order, so a little-endian reading that does not name a
// known encoding is retried byte-swapped.
func ParseFlags(b []byte) (Flags, error) {
	if len(b) != 4 {
		return Flags{}, fmt.Errorf("flags frame has %d bytes, want 4", len(b))
	}
	for _, w := range []uint32{binary.LittleEndian.Uint32(b), binary.BigEndian.Uint32(b)} {
		enc := Encoding((w & encodingMask) >> encodingShift)
		if enc.valid() {
			return Flags{Encoding: enc, Compressed: w&flagCompressed != 0}, nil
		}
	}
	return Flags{}, fmt.Errorf("unknown relay flags %x", b)
}

// Codec turns envelopes into flags and payload frames.
type Codec struct {
	Encoding Encoding
	Compress bool
}

// Encode returns the flags and payload frames for env.
func (c Codec) Encode(env *Envelope) ([]byte, []byte, error) {
	if env.Share == nil {
		return nil, nil, fmt.Errorf("envelope has no share")
	}

	var payload []byte
	var err error
	switch c.Encoding {
	case EncodingJSON:
		payload, err = sonic.Marshal(env)
	case EncodingProto:
		payload = appendEnvelope(nil, env)
	default:
		err = fmt.Errorf("unsupported encoding %s", c.Encoding)
	}
	if err != nil {
		return nil, nil, err
	}

	if c.Compress {
		if payload, err = compress(payload); err != nil {
			return nil, nil, err
		}
	}
	return MarshalFlags(Flags{Encoding: c.Encoding, Compressed: c.Compress}), payload, nil
}

// Decode parses a flags and payload frame pair.
func Decode(flagsFrame, payload []byte) (*Envelope, error) {
	flags, err := ParseFlags(flagsFrame)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if flags.Compressed {
		if payload, err = decompress(payload); err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	env := &Envelope{}
	switch flags.Encoding {
	case EncodingJSON:
		err = sonic.Unmarshal(payload, env)
	case EncodingProto:
		err = consumeEnvelope(payload, env)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", flags.Encoding, err)
	}
	if env.Share == nil || env.Origin == "" {
		return nil, fmt.Errorf("incomplete envelope")
	}
	return env, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

// Compact wire layout.
const (
	envOrigin protowire.Number = 1
	envEpoch  protowire.Number = 2
	envSeq    protowire.Number = 3
	envShare  protowire.Number = 4

	shPoolID            protowire.Number = 1
	shMiner             protowire.Number = 2
	shWorker            protowire.Number = 3
	shUserAgent         protowire.Number = 4
	shIPAddress         protowire.Number = 5
	shSource            protowire.Number = 6
	shJobID             protowire.Number = 7
	shBlockHeight       protowire.Number = 8
	shDifficulty        protowire.Number = 9
	shActualDifficulty  protowire.Number = 10
	shNetworkDifficulty protowire.Number = 11
	shIsBlockCandidate  protowire.Number = 12
	shBlockHash         protowire.Number = 13
	shConfirmationData  protowire.Number = 14
	shCreated           protowire.Number = 15
)

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendEnvelope(b []byte, env *Envelope) []byte {
	b = appendString(b, envOrigin, env.Origin)
	b = appendVarint(b, envEpoch, protowire.EncodeZigZag(env.Epoch))
	b = appendVarint(b, envSeq, env.Seq)
	b = protowire.AppendTag(b, envShare, protowire.BytesType)
	return protowire.AppendBytes(b, appendShare(nil, env.Share))
}

func appendShare(b []byte, s *share.Share) []byte {
	b = appendString(b, shPoolID, s.PoolID)
	b = appendString(b, shMiner, s.Miner)
	b = appendString(b, shWorker, s.Worker)
	b = appendString(b, shUserAgent, s.UserAgent)
	b = appendString(b, shIPAddress, s.IPAddress)
	b = appendString(b, shSource, s.Source)
	b = appendString(b, shJobID, s.JobID)
	b = appendVarint(b, shBlockHeight, protowire.EncodeZigZag(s.BlockHeight))
	b = appendDouble(b, shDifficulty, s.Difficulty)
	b = appendDouble(b, shActualDifficulty, s.ActualDifficulty)
	b = appendDouble(b, shNetworkDifficulty, s.NetworkDifficulty)
	if s.IsBlockCandidate {
		b = appendVarint(b, shIsBlockCandidate, 1)
	}
	b = appendString(b, shBlockHash, s.BlockHash)
	b = appendString(b, shConfirmationData, s.ConfirmationData)
	if !s.Created.IsZero() {
		b = appendVarint(b, shCreated, protowire.EncodeZigZag(s.Created.UnixNano()))
	}
	return b
}

// walkFields hands every tag-value pair of b to fn. Unknown fields are
// skipped so newer publishers stay readable.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeEnvelope(b []byte, env *Envelope) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			env.Origin = v
			return n, nil
		case num == envEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Epoch = protowire.DecodeZigZag(v)
			return n, nil
		case num == envSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Seq = v
			return n, nil
		case num == envShare && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			env.Share = &share.Share{}
			return n, consumeShare(v, env.Share)
		}
		return 0, nil
	})
}

func consumeShare(b []byte, s *share.Share) error {
	text := map[protowire.Number]*string{
		shPoolID:           &s.PoolID,
		shMiner:            &s.Miner,
		shWorker:           &s.Worker,
		shUserAgent:        &s.UserAgent,
		shIPAddress:        &s.IPAddress,
		shSource:           &s.Source,
		shJobID:            &s.JobID,
		shBlockHash:        &s.BlockHash,
		shConfirmationData: &s.ConfirmationData,
	}
	doubles := map[protowire.Number]*float64{
		shDifficulty:        &s.Difficulty,
		shActualDifficulty:  &s.ActualDifficulty,
		shNetworkDifficulty: &s.NetworkDifficulty,
	}

	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			if dst, ok := text[num]; ok {
				v, n := protowire.ConsumeString(b)
				*dst = v
				return n, nil
			}
		case protowire.Fixed64Type:
			if dst, ok := doubles[num]; ok {
				v, n := protowire.ConsumeFixed64(b)
				*dst = math.Float64frombits(v)
				return n, nil
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case shBlockHeight:
				s.BlockHeight = protowire.DecodeZigZag(v)
			case shIsBlockCandidate:
				s.IsBlockCandidate = v != 0
			case shCreated:
				s.Created = time.Unix(0, protowire.DecodeZigZag(v))
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
}
