package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/msunkaradtt/echoxr/internal/convo"
)

// Store uploads finished conversation transcripts to a Supabase storage
// bucket. Archival is best effort: failures are logged, never propagated back
// into the conversation flow.
type Store struct {
	client *supabase.Client
	bucket string
}

// New builds the store. An error is returned when the configuration is
// incomplete; callers treat that as archival disabled.
func New(url, serviceKey, bucket string) (*Store, error) {
	if url == "" || serviceKey == "" {
		return nil, errors.New("supabase url and service key required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

type transcriptDocument struct {
	ConversationID string       `json:"conversation_id"`
	ArchivedAt     time.Time    `json:"archived_at"`
	Turns          []convo.Turn `json:"turns"`
}

// Archive uploads the transcript as one JSON object keyed by conversation id.
func (s *Store) Archive(conversationID string, turns []convo.Turn) {
	doc := transcriptDocument{
		ConversationID: conversationID,
		ArchivedAt:     time.Now().UTC(),
		Turns:          turns,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		log.Printf("archive: marshal transcript %s: %v", conversationID, err)
		return
	}
	key := fmt.Sprintf("%s.json", conversationID)
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(body)); err != nil {
		log.Printf("archive: upload transcript %s: %v", conversationID, err)
		return
	}
	log.Printf("archive: transcript %s stored (%d turns)", conversationID, len(turns))
}
