package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any payload survives encode then decode
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloadLen := rapid.IntRange(0, 4096).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("payload mismatch")
		}
		if buf.Len() != 0 {
			t.Fatalf("%d trailing bytes left after decode", buf.Len())
		}
	})
}

// TestFrameStreamRoundTrip tests that a sequence of frames written back to
// back is read out in order, even through a reader that returns short reads
func TestFrameStreamRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 256), 1, 16).Draw(t, "payloads")
		chunk := rapid.IntRange(1, 7).Draw(t, "chunk")

		var buf bytes.Buffer
		for _, p := range payloads {
			if err := WriteFrame(&buf, p); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
		}

		r := &chunkReader{data: buf.Bytes(), chunk: chunk}
		for i, want := range payloads {
			got, err := ReadFrame(r)
			if err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("frame %d mismatch", i)
			}
		}
	})
}

type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

var stringKeys = []string{
	KeyAction, KeyTime, KeyUser, KeyAccountName, KeyFrom, KeyTo,
	KeyData, KeyPubKey, KeyPubKeyNeed, KeyChat, KeyError, KeyList, KeyText,
}

// TestEnvelopeMappingRoundTrip tests that decode(encode(m)) answers every
// accessor in m with the original value
func TestEnvelopeMappingRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.OneOf(
			rapid.SampledFrom(stringKeys),
			rapid.StringMatching(`[a-z][a-z_]{0,11}`),
		)
		m := rapid.MapOf(key, rapid.String()).Draw(t, "fields")
		delete(m, KeyResponse)

		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal mapping: %v", err)
		}
		first, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		payload, err := first.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		second, err := Decode(payload)
		if err != nil {
			t.Fatalf("re-decode: %v", err)
		}

		for k, v := range m {
			if got := second.GetString(k); got != v {
				t.Fatalf("key %q: got %q, want %q", k, got, v)
			}
		}
	})
}

// TestEnvelopeStructRoundTrip tests typed field round trips
func TestEnvelopeStructRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := &Envelope{
			Action:      rapid.String().Draw(t, "action"),
			Response:    rapid.IntRange(0, 999).Draw(t, "response"),
			Time:        rapid.String().Draw(t, "time"),
			User:        rapid.String().Draw(t, "user"),
			AccountName: rapid.String().Draw(t, "account_name"),
			From:        rapid.String().Draw(t, "from"),
			To:          rapid.String().Draw(t, "to"),
			PubKey:      rapid.String().Draw(t, "pubkey"),
			Chat:        rapid.String().Draw(t, "chat"),
			Error:       rapid.String().Draw(t, "error"),
			Text:        rapid.String().Draw(t, "mess_text"),
		}
		data := rapid.String().Draw(t, "bin")
		if data != "" {
			in.SetDataString(data)
		}

		payload, err := in.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if out.Action != in.Action || out.Response != in.Response || out.Time != in.Time ||
			out.User != in.User || out.AccountName != in.AccountName || out.From != in.From ||
			out.To != in.To || out.PubKey != in.PubKey || out.Chat != in.Chat ||
			out.Error != in.Error || out.Text != in.Text {
			t.Fatalf("field mismatch:\n in=%+v\nout=%+v", in, out)
		}
		if out.DataString() != data {
			t.Fatalf("bin mismatch: got %q, want %q", out.DataString(), data)
		}
		if out.Key() != in.Key() {
			t.Fatalf("dispatch key changed: %q -> %q", in.Key(), out.Key())
		}
	})
}
