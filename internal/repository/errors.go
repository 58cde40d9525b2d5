package repository

import "collabsync/internal/models"

// ErrDocumentNotFound is returned for unknown or deleted documents
var ErrDocumentNotFound = models.ErrDocumentNotFound
