package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/flowbotics/conductor/internal/orchestrator/storage"
)

func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var enqueuedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid enqueuedAt in cursor: %w", err)
	}

	return &storage.JobCursor{
		EnqueuedAt: time.Unix(0, enqueuedAt),
		JobID:      decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) (string, error) {
	cs := fmt.Sprintf("%d|%s", cursor.EnqueuedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs)), nil
}
