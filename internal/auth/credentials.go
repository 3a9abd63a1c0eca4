package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
)

// maxCredentialFieldSize bounds how much of a form field is read while looking for credentials
const maxCredentialFieldSize = 1024

// signatureCredentials is the timestamp/token/signature triple
type signatureCredentials struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

func (c signatureCredentials) empty() bool {
	return c.Timestamp == "" && c.Token == "" && c.Signature == ""
}

func (c signatureCredentials) complete() bool {
	return c.Timestamp != "" && c.Token != "" && c.Signature != ""
}

func signatureFromHeaders(h http.Header) signatureCredentials {
	return signatureCredentials{
		Timestamp: h.Get(HeaderTimestamp),
		Token:     h.Get(HeaderToken),
		Signature: h.Get(HeaderSignature),
	}
}

// signatureFromBody reads relay credentials sent inside the payload: form fields
// for form posts, a "signature" object for JSON. Only those fields are decoded.
func signatureFromBody(contentType string, body []byte) signatureCredentials {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || len(body) == 0 {
		return signatureCredentials{}
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, _ := url.ParseQuery(string(body))
		return signatureCredentials{
			Timestamp: values.Get("timestamp"),
			Token:     values.Get("token"),
			Signature: values.Get("signature"),
		}
	case "multipart/form-data":
		return signatureFromMultipart(body, params["boundary"])
	case "application/json":
		var payload struct {
			Signature signatureCredentials `json:"signature"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return signatureCredentials{}
		}
		return payload.Signature
	}
	return signatureCredentials{}
}

// signatureFromMultipart scans non-file parts and stops once all three fields are found
func signatureFromMultipart(body []byte, boundary string) signatureCredentials {
	var creds signatureCredentials
	if boundary == "" {
		return creds
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for !creds.complete() {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		if part.FileName() != "" {
			part.Close()
			continue
		}

		var target *string
		switch part.FormName() {
		case "timestamp":
			target = &creds.Timestamp
		case "token":
			target = &creds.Token
		case "signature":
			target = &creds.Signature
		}
		if target != nil {
			value, _ := io.ReadAll(io.LimitReader(part, maxCredentialFieldSize))
			*target = string(value)
		}
		part.Close()
	}
	return creds
}
