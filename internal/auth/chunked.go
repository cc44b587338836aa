package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"github.com/holgern/s3local/internal/s3err"
)

// chunkedState tracks progress through the SigV4 streaming frame format.
type chunkedState int

const (
	expectHeader chunkedState = iota
	expectBody
	expectCRLF
	atEOF
)

// ChunkedReader decodes a STREAMING-AWS4-HMAC-SHA256-PAYLOAD request body.
// Each frame is "<hexlen>;chunk-signature=<sig>\r\n" followed by the chunk
// bytes and CRLF; Read yields only the payload bytes. Every chunk
// signature is verified against the rolling chain seeded by the request
// signature; a mismatch fails the read, which aborts the upstream write.
type ChunkedReader struct {
	br    *bufio.Reader
	state chunkedState

	signingKey []byte
	prevSig    string
	amzDate    string
	scope      string

	chunkHash hash.Hash
	claimed   string
	remaining int64
}

// NewChunkedReader wraps body using the signing context of an
// authenticated streaming request.
func NewChunkedReader(body io.Reader, res *Result) *ChunkedReader {
	return &ChunkedReader{
		br:         bufio.NewReader(body),
		signingKey: res.signingKey,
		prevSig:    res.seedSignature,
		amzDate:    res.amzDate,
		scope:      res.scope,
		chunkHash:  sha256.New(),
	}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for {
		switch c.state {
		case expectHeader:
			if err := c.readHeader(); err != nil {
				return 0, err
			}
		case expectBody:
			n, err := c.readBody(p)
			if n > 0 || err != nil {
				return n, err
			}
		case expectCRLF:
			if err := c.readCRLF(); err != nil {
				return 0, err
			}
		case atEOF:
			return 0, io.EOF
		}
	}
}

func (c *ChunkedReader) readHeader() error {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read chunk header: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	sizeHex, rest, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
	if err != nil || size < 0 {
		return s3err.ErrSignatureDoesNotMatch.WithMessage("malformed chunk header")
	}

	c.claimed = ""
	for _, ext := range strings.Split(rest, ";") {
		if name, value, ok := strings.Cut(ext, "="); ok && name == "chunk-signature" {
			c.claimed = value
		}
	}
	if c.claimed == "" {
		return s3err.ErrSignatureDoesNotMatch.WithMessage("missing chunk signature")
	}

	c.remaining = size
	c.chunkHash.Reset()
	if size == 0 {
		// Final frame: verify over the empty body, then stop.
		if err := c.verifyChunk(); err != nil {
			return err
		}
		c.state = atEOF
		return nil
	}
	c.state = expectBody
	return nil
}

func (c *ChunkedReader) readBody(p []byte) (int, error) {
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	if n > 0 {
		c.chunkHash.Write(p[:n])
		c.remaining -= int64(n)
	}
	if err != nil {
		if err == io.EOF {
			return n, io.ErrUnexpectedEOF
		}
		return n, err
	}
	if c.remaining == 0 {
		c.state = expectCRLF
	}
	return n, nil
}

func (c *ChunkedReader) readCRLF() error {
	cr, err := c.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read chunk trailer: %w", err)
	}
	lf, err := c.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read chunk trailer: %w", err)
	}
	if cr != '\r' || lf != '\n' {
		return s3err.ErrSignatureDoesNotMatch.WithMessage("malformed chunk trailer")
	}
	if err := c.verifyChunk(); err != nil {
		return err
	}
	c.state = expectHeader
	return nil
}

// verifyChunk checks the rolling signature chain:
// HMAC(key, "AWS4-HMAC-SHA256-PAYLOAD" \n date \n scope \n prev \n
// sha256("") \n sha256(chunk)).
func (c *ChunkedReader) verifyChunk() error {
	stringToSign := strings.Join([]string{
		sigV4Algorithm + "-PAYLOAD",
		c.amzDate,
		c.scope,
		c.prevSig,
		sha256Hex(nil),
		hex.EncodeToString(c.chunkHash.Sum(nil)),
	}, "\n")

	want := hex.EncodeToString(hmacSHA256(c.signingKey, stringToSign))
	if !hmac.Equal([]byte(want), []byte(c.claimed)) {
		return s3err.ErrSignatureDoesNotMatch.WithMessage("chunk signature mismatch")
	}
	c.prevSig = want
	return nil
}
