package storage

import (
	"context"
	"fmt"

	"trackup/pkg/logger"
	"trackup/pkg/upload"
)

// StorageFactory hands out the protocol client for a request's kind.
type StorageFactory struct {
	uploaders map[upload.Kind]Uploader
}

func NewStorageFactory(trust TrustStore, l *logger.Logger) *StorageFactory {
	ftpBackend := NewFTPBackend(trust, l)
	sftpBackend := NewSFTPBackend(l)

	return &StorageFactory{
		uploaders: map[upload.Kind]Uploader{
			upload.KindFTP:  ftpBackend,
			upload.KindFTPS: ftpBackend,
			upload.KindSFTP: sftpBackend,
			upload.KindSSH:  sftpBackend,
		},
	}
}

// NewStorageFactoryWith builds a factory from explicit uploaders.
func NewStorageFactoryWith(uploaders map[upload.Kind]Uploader) *StorageFactory {
	return &StorageFactory{uploaders: uploaders}
}

func (f *StorageFactory) For(kind upload.Kind) (Uploader, error) {
	u, ok := f.uploaders[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol kind: %s", kind)
	}
	return u, nil
}

// Upload dispatches to the uploader registered for req.Kind.
func (f *StorageFactory) Upload(ctx context.Context, req *upload.Request) (upload.Outcome, error) {
	u, err := f.For(req.Kind)
	if err != nil {
		return upload.Failed(req.Kind, err.Error(), err), nil
	}
	return u.Upload(ctx, req)
}
