/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package azureblob implements blob.Store against a Microsoft Azure Blob
// Storage container. Unlike localdisk, PUT is already atomic at the
// service, so no per-key lock is needed here — only key sanitization.
package azureblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/rs/zerolog"

	"github.com/motionlake/motionlaked/pkg/blob"
)

// Storage is a blob.Store backed by one Azure Blob Storage container.
// Every collection is sanitized into a blob-name prefix, since Azure
// container/blob naming disallows underscores in some contexts; we replace
// "_" with "-" the way spec.md §6 mandates.
type Storage struct {
	container azblob.ContainerURL
	log       zerolog.Logger
}

// New constructs a Storage from an Azure Storage connection string and a
// container name. The container is expected to already exist.
func New(connectionString, containerName string, log zerolog.Logger) (*Storage, error) {
	accountName, accountKey, endpoint, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("azureblob: %w", err)
	}
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azureblob: credential: %w", err)
	}
	pipeline := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	u, err := url.Parse(fmt.Sprintf("%s/%s", endpoint, containerName))
	if err != nil {
		return nil, fmt.Errorf("azureblob: container url: %w", err)
	}
	return &Storage{
		container: azblob.NewContainerURL(*u, pipeline),
		log:       log.With().Str("component", "blob.azureblob").Logger(),
	}, nil
}

func parseConnectionString(cs string) (accountName, accountKey, endpoint string, err error) {
	endpoint = "https://blob.core.windows.net"
	for _, part := range strings.Split(cs, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "AccountName":
			accountName = kv[1]
		case "AccountKey":
			accountKey = kv[1]
		case "BlobEndpoint":
			endpoint = strings.TrimRight(kv[1], "/")
		}
	}
	if accountName == "" || accountKey == "" {
		return "", "", "", fmt.Errorf("connection string missing AccountName/AccountKey")
	}
	if !strings.Contains(endpoint, accountName) && !strings.Contains(cs, "BlobEndpoint") {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}
	return accountName, accountKey, endpoint, nil
}

// sanitize maps a collection name to the form usable in a blob name prefix.
func sanitize(collection string) string {
	return strings.ReplaceAll(collection, "_", "-")
}

func blobName(collection, id string) string {
	return sanitize(collection) + "/" + id
}

// CreateCollection implements blob.Store. Azure containers are flat;
// namespacing is purely a naming convention, so this is a no-op once the
// key is validated.
func (s *Storage) CreateCollection(_ context.Context, collection string) error {
	return blob.ValidateKey(collection)
}

type azureWriter struct {
	buf       bytes.Buffer
	ctx       context.Context
	blockBlob azblob.BlockBlobURL
}

func (w *azureWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *azureWriter) Close() error {
	_, err := azblob.UploadBufferToBlockBlob(w.ctx, w.buf.Bytes(), w.blockBlob, azblob.UploadToBlockBlobOptions{})
	if err != nil {
		return fmt.Errorf("azureblob: upload: %w", err)
	}
	return nil
}

// Write implements blob.Store. The blob is buffered in memory and uploaded
// in one shot on Close, so it never becomes visible mid-write: Azure PUT
// Blob is atomic at the service.
func (s *Storage) Write(ctx context.Context, collection, id string) (blob.WriteCloser, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return nil, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return nil, err
	}
	blockBlob := s.container.NewBlockBlobURL(blobName(collection, id))
	return &azureWriter{ctx: ctx, blockBlob: blockBlob}, nil
}

// Read implements blob.Store.
func (s *Storage) Read(ctx context.Context, collection, id string) (io.ReadCloser, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return nil, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return nil, err
	}
	blockBlob := s.container.NewBlockBlobURL(blobName(collection, id))
	resp, err := blockBlob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotExist
		}
		return nil, fmt.Errorf("azureblob: download %q: %w", blobName(collection, id), err)
	}
	return resp.Body(azblob.RetryReaderOptions{}), nil
}

// Size implements blob.Store.
func (s *Storage) Size(ctx context.Context, collection, id string) (int64, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return 0, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return 0, err
	}
	blockBlob := s.container.NewBlockBlobURL(blobName(collection, id))
	props, err := blockBlob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("azureblob: properties %q: %w", blobName(collection, id), err)
	}
	return props.ContentLength(), nil
}

// Path implements blob.Store, returning the blob's https URL under the
// container endpoint (not an azure:// URI); the URL carries no
// credentials.
func (s *Storage) Path(_ context.Context, collection, id string) (string, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return "", err
	}
	if err := blob.ValidateKey(id); err != nil {
		return "", err
	}
	return s.container.NewBlockBlobURL(blobName(collection, id)).URL().String(), nil
}

// Delete implements blob.Store. Missing blobs are not fatal.
func (s *Storage) Delete(ctx context.Context, collection string, ids []string) error {
	if err := blob.ValidateKey(collection); err != nil {
		return err
	}
	for _, id := range ids {
		if err := blob.ValidateKey(id); err != nil {
			return err
		}
		blockBlob := s.container.NewBlockBlobURL(blobName(collection, id))
		_, err := blockBlob.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
		if err != nil && !isNotFound(err) {
			s.log.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("failed to delete blob")
		}
	}
	return nil
}

// DeleteCollection implements blob.Store by enumerating and deleting every
// blob under the collection's sanitized prefix.
func (s *Storage) DeleteCollection(ctx context.Context, collection string) error {
	if err := blob.ValidateKey(collection); err != nil {
		return err
	}
	prefix := sanitize(collection) + "/"
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := s.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return fmt.Errorf("azureblob: list %q: %w", prefix, err)
		}
		for _, item := range resp.Segment.BlobItems {
			blockBlob := s.container.NewBlockBlobURL(item.Name)
			if _, err := blockBlob.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{}); err != nil && !isNotFound(err) {
				s.log.Warn().Err(err).Str("blob", item.Name).Msg("failed to delete blob during collection delete")
			}
		}
		marker = resp.NextMarker
	}
	return nil
}

func isNotFound(err error) bool {
	if se, ok := err.(azblob.StorageError); ok {
		return se.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
