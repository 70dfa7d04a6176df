package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// BindingKind identifies the SAML binding a message arrived on or
// should leave on.
type BindingKind string

const (
	BindingPost     BindingKind = "post"
	BindingRedirect BindingKind = "redirect"
)

// URI returns the SAML binding URI for the kind.
func (k BindingKind) URI() string {
	if k == BindingRedirect {
		return BindingURIHTTPRedirect
	}
	return BindingURIHTTPPost
}

// DocumentHolder pairs a decoded protocol message with the exact bytes
// it was transported as. Signature verification must run over the raw
// bytes; re-serializing the parsed message would break the digest.
type DocumentHolder struct {
	Message ProtocolMessage
	Raw     []byte
}

// ErrUnknownMessage is returned when a decoded document's root element
// is not one of the protocol messages this provider handles.
var ErrUnknownMessage = errors.New("unknown protocol message")

// maxDecodedSize caps inflated message size to stop decompression bombs.
const maxDecodedSize = 1 << 20

// DecodeRedirect decodes a SAMLRequest/SAMLResponse query parameter:
// base64, then raw DEFLATE, then XML.
func DecodeRedirect(encoded string) (*DocumentHolder, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()
	raw, err := io.ReadAll(io.LimitReader(reader, maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}

	return parseDocument(raw)
}

// DecodePost decodes a SAMLRequest/SAMLResponse form field: base64,
// then XML. No compression on the POST binding.
func DecodePost(encoded string) (*DocumentHolder, error) {
	// Form decoding can turn + into a space.
	encoded = strings.ReplaceAll(encoded, " ", "+")

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) > maxDecodedSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(raw))
	}

	return parseDocument(raw)
}

func parseDocument(raw []byte) (*DocumentHolder, error) {
	root, err := rootElement(raw)
	if err != nil {
		return nil, err
	}

	var msg ProtocolMessage
	switch root {
	case "AuthnRequest":
		msg = &AuthnRequest{}
	case "LogoutRequest":
		msg = &LogoutRequest{}
	case "LogoutResponse":
		msg = &LogoutResponse{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, root)
	}

	if err := xml.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", root, err)
	}
	return &DocumentHolder{Message: msg, Raw: raw}, nil
}

func rootElement(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("parse document: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// EncodeRedirect serializes a message for the redirect binding:
// XML, raw DEFLATE, base64. URL escaping happens when the query
// string is assembled.
func EncodeRedirect(message any) (string, error) {
	raw, err := xml.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := writer.Write(raw); err != nil {
		writer.Close()
		return "", fmt.Errorf("deflate: %w", err)
	}
	writer.Close()

	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// EncodePostRaw base64-encodes an already serialized (and possibly
// signed) document for the POST binding.
func EncodePostRaw(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// MarshalDocument serializes a message with the XML declaration, the
// form documents are signed and transported in.
func MarshalDocument(message any) ([]byte, error) {
	raw, err := xml.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return append([]byte(xml.Header), raw...), nil
}
