package sip

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/uri"
)

// MaxMessageSize limits the size of a message read from a stream.
const MaxMessageSize = 65535

// ParseMessage parses a complete message from a datagram.
// The body is truncated to the Content-Length value if the header is present.
func ParseMessage(data []byte) (Message, error) {
	data = bytes.TrimLeft(data, "\r\n")

	var head, body []byte
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		head, body = data[:i], data[i+4:]
	} else if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		head, body = data[:i], data[i+2:]
	} else {
		return nil, errtrace.Wrap(newInvalidMessageError("missing empty line after headers"))
	}

	msg, err := parseHead(string(head))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if cl, ok := first[header.ContentLength](msg.base().Headers); ok {
		if int(cl) > len(body) {
			return nil, errtrace.Wrap(newInvalidMessageError("body is shorter than Content-Length %d", cl))
		}
		body = body[:cl]
	}
	if len(body) > 0 {
		msg.base().Body = bytes.Clone(body)
	}
	return msg, nil
}

func parseHead(head string) (Message, error) {
	lines := strings.Split(head, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(newInvalidMessageError("empty start line"))
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	// unfold continuation lines
	var hdrLines []string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(hdrLines) > 0 {
			hdrLines[len(hdrLines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		hdrLines = append(hdrLines, line)
	}

	hdrs := &msg.base().Headers
	for _, line := range hdrLines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errtrace.Wrap(newInvalidMessageError("malformed header line %q", util.Ellipsis(line, 64)))
		}
		hdr, err := header.Parse(name, value)
		if err != nil {
			return nil, errtrace.Wrap(newInvalidMessageError(err))
		}
		hdrs.Append(hdr)
	}
	return msg, nil
}

func parseStartLine(line string) (Message, error) {
	if rest, ok := strings.CutPrefix(line, "SIP/2.0 "); ok {
		code, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.ParseUint(code, 10, 16)
		if err != nil || !ResponseStatus(status).IsValid() {
			return nil, errtrace.Wrap(newInvalidMessageError("invalid status code %q", code))
		}
		return &Response{Status: ResponseStatus(status), Reason: reason}, nil
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[2] != "SIP/2.0" {
		return nil, errtrace.Wrap(newInvalidMessageError("malformed start line %q", util.Ellipsis(line, 64)))
	}
	method := RequestMethod(parts[0])
	if !method.IsValid() {
		return nil, errtrace.Wrap(newInvalidMessageError("invalid method %q", parts[0]))
	}
	u, err := uri.Parse(parts[1])
	if err != nil {
		return nil, errtrace.Wrap(newInvalidMessageError(err))
	}
	return &Request{Method: method, URI: u}, nil
}

// StreamParser reads pipelined messages from a stream transport.
// Messages are framed by the Content-Length header.
type StreamParser struct {
	r *bufio.Reader
}

// NewStreamParser creates a parser reading from r.
func NewStreamParser(r io.Reader) *StreamParser {
	return &StreamParser{r: bufio.NewReader(r)}
}

// Next reads the next message. Empty lines between messages (keep-alives) are skipped.
// It returns [io.EOF] when the stream ends between messages.
func (p *StreamParser) Next() (Message, error) {
	var head strings.Builder
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && head.Len()+len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			if head.Len() == 0 {
				continue
			}
			break
		}
		if head.Len()+len(line) > MaxMessageSize {
			return nil, errtrace.Wrap(newInvalidMessageError("message exceeds %d bytes", MaxMessageSize))
		}
		head.WriteString(line)
	}

	msg, err := parseHead(strings.TrimRight(head.String(), "\r\n"))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	cl, _ := first[header.ContentLength](msg.base().Headers)
	if cl > MaxMessageSize {
		return nil, errtrace.Wrap(newInvalidMessageError("Content-Length %d exceeds %d bytes", cl, MaxMessageSize))
	}
	if cl > 0 {
		body := make([]byte, cl)
		if _, err := io.ReadFull(p.r, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		msg.base().Body = body
	}
	return msg, nil
}
