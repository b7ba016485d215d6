// Package memory provides an in-process indexing service with asynchronous
// acceptance, used for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Config tunes the simulated service.
type Config struct {
	// AcceptAfterPolls is how many GetOperation calls report processing
	// before an upload is accepted.
	AcceptAfterPolls int
}

// Document is one accepted document.
type Document struct {
	ID          string
	ContainerID string
	Text        string
	Meta        corpus.DocumentMetadata
}

type operation struct {
	containerID string
	text        string
	meta        corpus.DocumentMetadata
	polls       int
	state       corpus.OperationState
	documentID  string
	reason      string
}

// Indexer implements corpus.Indexer in memory.
type Indexer struct {
	cfg Config

	mu         sync.Mutex
	seq        int
	containers map[string]string
	ops        map[string]*operation
	docs       map[string]Document
	uploads    int
	deletes    int

	uploadErr func(meta corpus.DocumentMetadata) error
	rejectFn  func(meta corpus.DocumentMetadata) string
	pollErr   func(operationID string) error
	deleteErr func(documentID string) error
	createErr error
}

var _ corpus.Indexer = (*Indexer)(nil)

// New returns an empty Indexer.
func New(cfg Config) *Indexer {
	return &Indexer{
		cfg:        cfg,
		containers: make(map[string]string),
		ops:        make(map[string]*operation),
		docs:       make(map[string]Document),
	}
}

// FailContainers makes CreateContainer return err until reset with nil.
func (i *Indexer) FailContainers(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.createErr = err
}

// FailUploads installs a hook deciding per document whether Upload fails.
func (i *Indexer) FailUploads(fn func(meta corpus.DocumentMetadata) error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.uploadErr = fn
}

// RejectDocuments installs a hook returning a non-empty reason for uploads
// the service should report as failed.
func (i *Indexer) RejectDocuments(fn func(meta corpus.DocumentMetadata) string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rejectFn = fn
}

// FailPolls installs a hook deciding whether GetOperation fails.
func (i *Indexer) FailPolls(fn func(operationID string) error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pollErr = fn
}

// FailDeletes installs a hook deciding whether Delete fails.
func (i *Indexer) FailDeletes(fn func(documentID string) error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleteErr = fn
}

func (i *Indexer) nextID(prefix string) string {
	i.seq++
	return fmt.Sprintf("%s-%d", prefix, i.seq)
}

// CreateContainer registers a container and returns its ID.
func (i *Indexer) CreateContainer(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.createErr != nil {
		return "", i.createErr
	}
	id := i.nextID("ctr")
	i.containers[id] = name
	return id, nil
}

// Upload queues a document for asynchronous acceptance.
func (i *Indexer) Upload(ctx context.Context, containerID, text string, meta corpus.DocumentMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.containers[containerID]; !ok {
		return "", fmt.Errorf("container %s: %w", containerID, corpus.ErrNotFound)
	}
	if i.uploadErr != nil {
		if err := i.uploadErr(meta); err != nil {
			return "", err
		}
	}
	i.uploads++
	id := i.nextID("op")
	i.ops[id] = &operation{
		containerID: containerID,
		text:        text,
		meta:        meta,
		state:       corpus.OperationProcessing,
	}
	return id, nil
}

// GetOperation advances and reports the state of an upload.
func (i *Indexer) GetOperation(ctx context.Context, operationID string) (corpus.Operation, error) {
	if err := ctx.Err(); err != nil {
		return corpus.Operation{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pollErr != nil {
		if err := i.pollErr(operationID); err != nil {
			return corpus.Operation{}, err
		}
	}
	op, ok := i.ops[operationID]
	if !ok {
		return corpus.Operation{}, fmt.Errorf("operation %s: %w", operationID, corpus.ErrNotFound)
	}
	if op.state == corpus.OperationProcessing {
		op.polls++
		if op.polls > i.cfg.AcceptAfterPolls {
			i.settle(op)
		}
	}
	return corpus.Operation{DocumentID: op.documentID, State: op.state, Error: op.reason}, nil
}

func (i *Indexer) settle(op *operation) {
	if i.rejectFn != nil {
		if reason := i.rejectFn(op.meta); reason != "" {
			op.state = corpus.OperationFailed
			op.reason = reason
			return
		}
	}
	op.documentID = i.nextID("doc")
	op.state = corpus.OperationActive
	i.docs[op.documentID] = Document{
		ID:          op.documentID,
		ContainerID: op.containerID,
		Text:        op.text,
		Meta:        op.meta,
	}
}

// Delete removes a document. Unknown documents are ignored.
func (i *Indexer) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleteErr != nil {
		if err := i.deleteErr(documentID); err != nil {
			return err
		}
	}
	i.deletes++
	delete(i.docs, documentID)
	return nil
}

// Documents returns the accepted documents of a container ordered by ID.
func (i *Indexer) Documents(containerID string) []Document {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Document
	for _, d := range i.docs {
		if d.ContainerID == containerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Document returns one accepted document.
func (i *Indexer) Document(documentID string) (Document, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	d, ok := i.docs[documentID]
	return d, ok
}

// Uploads reports how many uploads were accepted for processing.
func (i *Indexer) Uploads() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.uploads
}

// Deletes reports how many delete calls succeeded.
func (i *Indexer) Deletes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deletes
}

// Containers reports how many containers exist.
func (i *Indexer) Containers() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.containers)
}
