/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/aler9/gortsplib/pkg/base"
)

const (
	_RTSP_PROTO              = "RTSP/1.0"
	_MAX_CONTENT_LENGTH      = 4096
	_MAX_HEADER_COUNT        = 255
	_MAX_HEADER_KEY_LENGTH   = 1024
	_MAX_HEADER_VALUE_LENGTH = 1024
	_MAX_METHOD_LENGTH       = 128
	_MAX_PATH_LENGTH         = 1024
	_MAX_PROTOCOL_LENGTH     = 128
)

// Request is a RTSP request as read off the wire
type Request struct {
	// request method
	Method base.Method

	// raw request url, "*" is allowed for OPTIONS
	RawURL string
	Url    *url.URL

	// map of header values
	Header base.Header

	// optional content
	Content []byte
}

// Response is a RTSP response to be written to the wire
type Response struct {
	StatusCode base.StatusCode
	Reason     string
	Header     base.Header
	Content    []byte
}

func headerKeyNormalize(in string) string {
	switch strings.ToLower(in) {
	case "rtp-info":
		return "RTP-Info"

	case "www-authenticate":
		return "WWW-Authenticate"

	case "cseq":
		return "CSeq"
	}
	return http.CanonicalHeaderKey(in)
}

func readRequest(rb *bufio.Reader) (*Request, error) {
	req := &Request{}

	byts, err := readBytesLimited(rb, ' ', _MAX_METHOD_LENGTH)
	if err != nil {
		return nil, err
	}
	req.Method = base.Method(byts[:len(byts)-1])

	if req.Method == "" {
		return nil, fmt.Errorf("empty method")
	}

	byts, err = readBytesLimited(rb, ' ', _MAX_PATH_LENGTH)
	if err != nil {
		return nil, err
	}
	req.RawURL = string(byts[:len(byts)-1])

	if req.RawURL == "" {
		return nil, fmt.Errorf("empty url")
	}

	if req.RawURL != "*" {
		ur, err := url.Parse(req.RawURL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse url '%s'", req.RawURL)
		}
		req.Url = ur

		if req.Url.Scheme != "rtsp" && req.Url.Scheme != "rtsps" {
			return nil, fmt.Errorf("invalid url scheme '%s'", req.Url.Scheme)
		}
	}

	byts, err = readBytesLimited(rb, '\r', _MAX_PROTOCOL_LENGTH)
	if err != nil {
		return nil, err
	}
	proto := string(byts[:len(byts)-1])

	if proto != _RTSP_PROTO {
		return nil, fmt.Errorf("expected '%s', got '%s'", _RTSP_PROTO, proto)
	}

	err = readByteEqual(rb, '\n')
	if err != nil {
		return nil, err
	}

	req.Header, err = headerRead(rb)
	if err != nil {
		return nil, err
	}

	req.Content, err = readContent(rb, req.Header)
	if err != nil {
		return nil, err
	}

	return req, nil
}

func (res *Response) write(bw *bufio.Writer) error {
	_, err := bw.Write([]byte(_RTSP_PROTO + " " + strconv.Itoa(int(res.StatusCode)) + " " + res.Reason + "\r\n"))
	if err != nil {
		return err
	}

	if res.Header == nil {
		res.Header = base.Header{}
	}
	if len(res.Content) > 0 {
		res.Header["Content-Length"] = base.HeaderValue{strconv.Itoa(len(res.Content))}
	}

	err = headerWrite(bw, res.Header)
	if err != nil {
		return err
	}

	err = writeContent(bw, res.Content)
	if err != nil {
		return err
	}

	return bw.Flush()
}

func headerRead(rb *bufio.Reader) (base.Header, error) {
	h := make(base.Header)

	for {
		byt, err := rb.ReadByte()
		if err != nil {
			return nil, err
		}

		if byt == '\r' {
			err := readByteEqual(rb, '\n')
			if err != nil {
				return nil, err
			}

			break
		}

		if len(h) >= _MAX_HEADER_COUNT {
			return nil, fmt.Errorf("headers count exceeds %d", _MAX_HEADER_COUNT)
		}

		key := string([]byte{byt})
		byts, err := readBytesLimited(rb, ':', _MAX_HEADER_KEY_LENGTH-1)
		if err != nil {
			return nil, err
		}
		key += string(byts[:len(byts)-1])
		key = headerKeyNormalize(key)

		// https://tools.ietf.org/html/rfc2616
		// The field value MAY be preceded by any amount of spaces
		for {
			byt, err := rb.ReadByte()
			if err != nil {
				return nil, err
			}

			if byt != ' ' {
				break
			}
		}
		rb.UnreadByte()

		byts, err = readBytesLimited(rb, '\r', _MAX_HEADER_VALUE_LENGTH)
		if err != nil {
			return nil, err
		}
		val := string(byts[:len(byts)-1])

		if len(val) == 0 {
			return nil, fmt.Errorf("empty header value")
		}

		err = readByteEqual(rb, '\n')
		if err != nil {
			return nil, err
		}

		h[key] = append(h[key], val)
	}

	return h, nil
}

func headerWrite(wb *bufio.Writer, h base.Header) error {
	// sort headers by key
	// in order to obtain deterministic results
	var keys []string
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, val := range h[key] {
			_, err := wb.Write([]byte(key + ": " + val + "\r\n"))
			if err != nil {
				return err
			}
		}
	}

	_, err := wb.Write([]byte("\r\n"))
	if err != nil {
		return err
	}

	return nil
}

func readBytesLimited(rb *bufio.Reader, delim byte, n int) ([]byte, error) {
	for i := 1; i <= n; i++ {
		byts, err := rb.Peek(i)
		if err != nil {
			return nil, err
		}

		if byts[len(byts)-1] == delim {
			rb.Discard(len(byts))
			return byts, nil
		}
	}
	return nil, fmt.Errorf("buffer length exceeds %d", n)
}

func readByteEqual(rb *bufio.Reader, cmp byte) error {
	byt, err := rb.ReadByte()
	if err != nil {
		return err
	}

	if byt != cmp {
		return fmt.Errorf("expected '%c', got '%c'", cmp, byt)
	}

	return nil
}

func readContent(rb *bufio.Reader, header base.Header) ([]byte, error) {
	cls, ok := header["Content-Length"]
	if !ok || len(cls) != 1 {
		return nil, nil
	}

	cl, err := strconv.ParseInt(cls[0], 10, 64)
	if err != nil || cl < 0 {
		return nil, fmt.Errorf("invalid Content-Length")
	}

	if cl > _MAX_CONTENT_LENGTH {
		return nil, fmt.Errorf("Content-Length exceeds %d", _MAX_CONTENT_LENGTH)
	}

	ret := make([]byte, cl)
	n, err := io.ReadFull(rb, ret)
	if err != nil && n != len(ret) {
		return nil, err
	}

	return ret, nil
}

func writeContent(bw *bufio.Writer, content []byte) error {
	if len(content) == 0 {
		return nil
	}

	_, err := bw.Write(content)
	if err != nil {
		return err
	}

	return nil
}
