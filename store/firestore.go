package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps each document at documents/{id} with its revision
// snapshots in the documents/{id}/revisions subcollection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) revisions(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("revisions")
}

// revisionKey zero-pads so document ids sort in version order.
func revisionKey(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (s *FirestoreStore) Create(ctx context.Context, id, content string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"content":   content,
		"version":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(id, snap), nil
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	content, _ := data["content"].(string)
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Content:   content,
		Version:   int(version),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "version", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return err
}

// AppendRevision stores rev under its version. Revisions are immutable, so
// Create is used and a second write of the same version fails.
func (s *FirestoreStore) AppendRevision(ctx context.Context, id string, rev Revision) error {
	_, err := s.revisions(id).Doc(revisionKey(rev.Version)).Create(ctx, map[string]interface{}{
		"version": rev.Version,
		"content": rev.Content,
		"source":  rev.Source,
		"at":      rev.At,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: revision %d already recorded", id, rev.Version)
	}
	return err
}

func (s *FirestoreStore) GetRevisions(ctx context.Context, id string, fromVersion int) ([]Revision, error) {
	if _, err := s.docRef(id).Get(ctx); status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}

	// Revision N has key N; fromVersion skips the first fromVersion of them.
	iter := s.revisions(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(revisionKey(fromVersion + 1)).
		Documents(ctx)
	defer iter.Stop()

	var revs []Revision
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		revs = append(revs, snapshotToRevision(snap))
	}
	return revs, nil
}

func snapshotToRevision(snap *firestore.DocumentSnapshot) Revision {
	data := snap.Data()
	version, _ := data["version"].(int64)
	content, _ := data["content"].(string)
	source, _ := data["source"].(string)
	at, _ := data["at"].(time.Time)
	return Revision{Version: int(version), Content: content, Source: source, At: at}
}
