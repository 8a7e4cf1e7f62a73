package tftp

import (
	"bytes"
	"testing"
)

func TestParseRequestWithOptions(t *testing.T) {
	data := []byte("\x00\x01some/file\x00OCTET\x00BLKSIZE\x001400\x00tsize\x000\x00")
	req, err := parseRequest(data)
	if err != nil {
		t.Fatalf("parseRequest returned error: %v", err)
	}
	if req.path != "some/file" {
		t.Fatalf("unexpected path: %q", req.path)
	}
	if req.mode != "octet" {
		t.Fatalf("mode not lowercased: %q", req.mode)
	}
	want := Options{{"blksize", "1400"}, {"tsize", "0"}}
	if len(req.options) != len(want) {
		t.Fatalf("unexpected options: %v", req.options)
	}
	for i := range want {
		if req.options[i] != want[i] {
			t.Fatalf("option %d: got %v, want %v", i, req.options[i], want[i])
		}
	}
}

func TestParseRequestNoOptions(t *testing.T) {
	req, err := parseRequest([]byte("\x00\x01file\x00netascii\x00"))
	if err != nil {
		t.Fatalf("parseRequest returned error: %v", err)
	}
	if req.path != "file" || req.mode != "netascii" || len(req.options) != 0 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	payloads := [][]byte{
		[]byte("\x00\x01some_fi"),
		[]byte("\x00\x01some_file\x00"),
		[]byte("\x00\x01some_file\x00binascii\x00a"),
		[]byte("\x00\x01some_file\x00binascii\x00a\x00"),
		[]byte("\x00\x01some_file\x00binascii\x00a\x00b\x00c\x00"),
		{0, 1},
		{0},
	}
	for i, payload := range payloads {
		if _, err := parseRequest(payload); err == nil {
			t.Fatalf("payload %d (%q) expected parse error", i, payload)
		}
	}
}

func TestParseRequestEmptyTokensSkipped(t *testing.T) {
	// Empty tokens are discarded before counting, so doubled separators
	// still parse as long as the remaining count is even.
	req, err := parseRequest([]byte("\x00\x01f\x00octet\x00\x00blksize\x00512\x00"))
	if err != nil {
		t.Fatalf("parseRequest returned error: %v", err)
	}
	if v, ok := req.options.Get("blksize"); !ok || v != "512" {
		t.Fatalf("blksize not parsed: %v", req.options)
	}
}

func TestEncodeData(t *testing.T) {
	pkt := encodeData(2, []byte("foo"))
	if !bytes.Equal(pkt, []byte("\x00\x03\x00\x02foo")) {
		t.Fatalf("unexpected DATA packet: %q", pkt)
	}
}

func TestEncodeOack(t *testing.T) {
	pkt := encodeOack(Options{{"blksize", "512"}, {"tsize", "2560"}})
	if !bytes.Equal(pkt, []byte("\x00\x06blksize\x00512\x00tsize\x002560\x00")) {
		t.Fatalf("unexpected OACK packet: %q", pkt)
	}
}

func TestEncodeError(t *testing.T) {
	pkt := encodeError(ErrIllegalOperation, "Unknown mode: 'bogus'")
	if !bytes.Equal(pkt, []byte("\x00\x05\x00\x04Unknown mode: 'bogus'\x00")) {
		t.Fatalf("unexpected ERROR packet: %q", pkt)
	}
}

func TestOptionsGetSet(t *testing.T) {
	opts := Options{{"blksize", "512"}}
	if v, ok := opts.Get("blksize"); !ok || v != "512" {
		t.Fatalf("Get failed: %v %v", v, ok)
	}
	if _, ok := opts.Get("tsize"); ok {
		t.Fatalf("Get found a missing key")
	}
	opts = opts.Set("blksize", "1400")
	opts = opts.Set("timeout", "9")
	if v, _ := opts.Get("blksize"); v != "1400" {
		t.Fatalf("Set did not replace in place")
	}
	if len(opts) != 2 {
		t.Fatalf("unexpected length: %d", len(opts))
	}
}
