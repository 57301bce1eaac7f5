package shmdict_test

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/shmdict/pkg/shmdict"
)

// valueComparer lets cmp.Diff compare Values through their exported equality
// instead of their unexported fields.
var valueComparer = cmp.Comparer(func(a, b shmdict.Value) bool {
	return a.Equal(b)
})

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	in := map[string]shmdict.Value{
		"null":   shmdict.Null(),
		"true":   shmdict.Bool(true),
		"false":  shmdict.Bool(false),
		"int":    shmdict.Int(-1 << 62),
		"float":  shmdict.Float(math.Pi),
		"inf":    shmdict.Float(math.Inf(-1)),
		"empty":  shmdict.String(""),
		"string": shmdict.String("héllo, wörld"),
		"list": shmdict.List(
			shmdict.Int(1),
			shmdict.List(shmdict.String("nested")),
			shmdict.Null(),
		),
		"map": shmdict.Map(map[string]shmdict.Value{
			"inner": shmdict.Map(map[string]shmdict.Value{
				"deep": shmdict.Float(0.5),
			}),
			"":      shmdict.Bool(false),
			"items": shmdict.List(),
		}),
	}

	payload, err := shmdict.EncodeMapping(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	out, err := shmdict.DecodeMapping(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if diff := cmp.Diff(in, out, valueComparer); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_Deterministic(t *testing.T) {
	t.Parallel()

	m := map[string]shmdict.Value{
		"a": shmdict.Int(1),
		"b": shmdict.String("two"),
		"c": shmdict.List(shmdict.Bool(true)),
	}

	first, err := shmdict.EncodeMapping(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := shmdict.EncodeMapping(m)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		if string(first) != string(again) {
			t.Fatal("repeated encodes of the same mapping differ")
		}
	}
}

func TestCodec_EmptyInputs(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, {}, make([]byte, 64)} {
		m, err := shmdict.DecodeMapping(data)
		if err != nil {
			t.Fatalf("decode of %d zero bytes failed: %v", len(data), err)
		}

		if len(m) != 0 {
			t.Errorf("decode of %d zero bytes: got %d entries, want 0", len(data), len(m))
		}
	}

	// The empty mapping still encodes to a real payload, not zero bytes.
	payload, err := shmdict.EncodeMapping(map[string]shmdict.Value{})
	if err != nil {
		t.Fatalf("encode of empty mapping failed: %v", err)
	}

	if len(payload) == 0 {
		t.Fatal("empty mapping encoded to zero bytes")
	}

	out, err := shmdict.DecodeMapping(payload)
	if err != nil || len(out) != 0 {
		t.Fatalf("decode of encoded empty mapping: %v, %d entries", err, len(out))
	}
}

func TestCodec_TruncationNeverYieldsPartialMapping(t *testing.T) {
	t.Parallel()

	payload, err := shmdict.EncodeMapping(map[string]shmdict.Value{
		"alpha": shmdict.Int(1),
		"beta":  shmdict.List(shmdict.String("x"), shmdict.Float(2)),
		"gamma": shmdict.Map(map[string]shmdict.Value{"k": shmdict.Null()}),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i := 1; i < len(payload); i++ {
		if _, err := shmdict.DecodeMapping(payload[:i]); !errors.Is(err, shmdict.ErrDecode) {
			t.Fatalf("prefix of %d/%d bytes: expected ErrDecode, got %v", i, len(payload), err)
		}
	}
}

func TestCodec_RejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	base, err := shmdict.EncodeMapping(map[string]shmdict.Value{"k": shmdict.Int(1)})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	mutate := func(fn func(b []byte) []byte) []byte {
		b := make([]byte, len(base))
		copy(b, base)

		return fn(b)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{
			"bad magic",
			mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		},
		{
			"future version",
			mutate(func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[4:6], 99)
				return b
			}),
		},
		{
			"unknown value tag",
			// Entry layout after the 10-byte header: uint16 key length,
			// key "k", then the value tag byte.
			mutate(func(b []byte) []byte { b[10+2+1] = 99; return b }),
		},
		{
			"trailing byte",
			mutate(func(b []byte) []byte { return append(b, 0xff) }),
		},
		{
			"count exceeds entries",
			mutate(func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[6:10], 2)
				return b
			}),
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := shmdict.DecodeMapping(tt.data); !errors.Is(err, shmdict.ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestCodec_RejectsHugeNestedCounts(t *testing.T) {
	t.Parallel()

	// A hand-built payload claiming a list of 4 billion elements must be
	// rejected up front, not allocated for.
	var b []byte
	b = append(b, "SMD1"...)
	b = binary.LittleEndian.AppendUint16(b, 1)  // codec version
	b = binary.LittleEndian.AppendUint32(b, 1)  // one entry
	b = binary.LittleEndian.AppendUint16(b, 1)  // key length
	b = append(b, 'k')
	b = append(b, 5)                                      // list tag
	b = binary.LittleEndian.AppendUint32(b, math.MaxUint32) // element count

	if _, err := shmdict.DecodeMapping(b); !errors.Is(err, shmdict.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestCodec_EncodeRejectsOversizedKey(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("k", 1<<16)

	_, err := shmdict.EncodeMapping(map[string]shmdict.Value{key: shmdict.Int(1)})
	if !errors.Is(err, shmdict.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
