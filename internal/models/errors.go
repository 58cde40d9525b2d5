package models

import "errors"

// ErrDocumentNotFound is returned for unknown or deleted documents.
// Storage and services both wrap it so callers can check with errors.Is.
var ErrDocumentNotFound = errors.New("document not found")
