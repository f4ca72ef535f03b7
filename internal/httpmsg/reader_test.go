package httpmsg

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestRead_ContentLength(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	msg, err := Read(bufio.NewReader(strings.NewReader(raw)), KindRequest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg.Body) != "hello" {
		t.Fatalf("body = %q", msg.Body)
	}
	if msg.Header.Get("Host") != "example.com" {
		t.Fatalf("Host header = %q", msg.Header.Get("Host"))
	}
}

func TestRead_Chunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	msg, err := Read(bufio.NewReader(strings.NewReader(raw)), KindResponse)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg.Body) != "Wikipedia" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestRead_ChunkedWithTrailers(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n0\r\nX-Trailer: done\r\n\r\n"
	msg, err := Read(bufio.NewReader(strings.NewReader(raw)), KindResponse)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg.Body) != "abc" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestRead_NoBodyRequest(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	msg, err := Read(bufio.NewReader(strings.NewReader(raw)), KindRequest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msg.Body) != 0 {
		t.Fatalf("expected no body, got %q", msg.Body)
	}
}

func TestRead_ResponseReadUntilClose(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\nall the rest of the stream"
	msg, err := Read(bufio.NewReader(strings.NewReader(raw)), KindResponse)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg.Body) != "all the rest of the stream" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestRead_TruncatedContentLength(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nContent-Length: 10\r\n\r\nshort"
	_, err := Read(bufio.NewReader(strings.NewReader(raw)), KindRequest)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestRead_TruncatedStartLine(t *testing.T) {
	_, err := Read(bufio.NewReader(strings.NewReader("")), KindRequest)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestRead_InvalidChunkSize(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nZZZ\r\n"
	_, err := Read(bufio.NewReader(strings.NewReader(raw)), KindResponse)
	if !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestRead_MalformedContentLength(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nContent-Length: notanumber\r\n\r\n"
	_, err := Read(bufio.NewReader(strings.NewReader(raw)), KindRequest)
	if !errors.Is(err, ErrMalformedHeaders) {
		t.Fatalf("expected ErrMalformedHeaders, got %v", err)
	}
}
