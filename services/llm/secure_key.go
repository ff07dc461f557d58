// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/awnumar/memguard"
)

// bearerTransport injects an API key held in a memguard enclave.
//
// # Description
//
// The key is decrypted into a locked buffer only for the duration of
// building the Authorization header, then the buffer is destroyed.
//
// # Limitations
//
//   - The header value itself is an ordinary Go string owned by net/http for
//     the lifetime of the request.
type bearerTransport struct {
	key  *memguard.Enclave
	base http.RoundTripper
}

func newBearerTransport(apiKey string, base http.RoundTripper) (*bearerTransport, error) {
	if apiKey == "" {
		return nil, errors.New("API key is empty")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	raw := []byte(apiKey)
	// NewEnclave wipes raw.
	return &bearerTransport{key: memguard.NewEnclave(raw), base: base}, nil
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open API key enclave: %w", err)
	}
	header := "Bearer " + buf.String()
	buf.Destroy()

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", header)
	return t.base.RoundTrip(out)
}
