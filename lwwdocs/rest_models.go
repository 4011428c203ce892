// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

// REST/JSON models for the document HTTP API

// Error codes carried in ErrorResponse.Error
const (
	ErrCodeMethodNotAllowed     = "method_not_allowed"
	ErrCodeAuthenticationFailed = "authentication_failed"
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidDocument      = "invalid_document"
	ErrCodeNotFound             = "not_found"
	ErrCodeIndexUnavailable     = "index_unavailable"
	ErrCodeStoreFailed          = "store_failed"
)

// DocumentListResponse is returned by range queries and scans
type DocumentListResponse struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
}

// HealthResponse represents service status response
type HealthResponse struct {
	Status  string `json:"status"`   // healthy
	AppName string `json:"app_name"` // Application name
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
