package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v9"
)

const maxRequestBodySize = 100000

var requestValidator = validator.New()

// readBody reads up to limit bytes of the request body and leaves the body
// readable for later handlers.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	return body, err
}

// decodeAndValidateJSON unmarshals the request body into envelope and
// validates it.
func decodeAndValidateJSON(envelope any, r *http.Request) error {
	body, err := readBody(r, maxRequestBodySize)
	if err != nil {
		return errors.Wrap(err, "unable to read request body")
	}

	if err = json.Unmarshal(body, envelope); err != nil {
		return errors.Wrap(err, "unable to parse request JSON")
	}

	if err = requestValidator.Struct(envelope); err != nil {
		return errors.Wrap(err, "request JSON doesn't match required schema")
	}
	return nil
}
