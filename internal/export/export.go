// Package export renders client records for the admin /dump command.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zhandos-dev/komek-bot/internal/models"
)

var header = []string{
	"chat_id", "created_at", "name", "lang", "sex", "age", "city",
	"problem_type", "problem_desc", "score", "review",
}

// ClientsCSV renders all client records as a CSV document and returns a
// unique filename for it.
func ClientsCSV(clients []*models.Client) (filename string, data []byte, err error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(header); err != nil {
		return "", nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, c := range clients {
		score, review := "", ""
		if c.Score != nil {
			score = strconv.Itoa(*c.Score)
		}
		if c.Review != nil {
			review = *c.Review
		}
		record := []string{
			strconv.FormatInt(c.ChatID, 10),
			c.CreatedAt.Format(time.RFC3339),
			c.Name, c.Lang, c.Sex,
			strconv.Itoa(c.Age),
			c.City, c.ProblemType, c.ProblemDesc,
			score, review,
		}
		if err := w.Write(record); err != nil {
			return "", nil, fmt.Errorf("failed to write client %d: %w", c.ChatID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", nil, fmt.Errorf("failed to flush csv: %w", err)
	}

	return fmt.Sprintf("clients-%s.csv", uuid.New().String()), buf.Bytes(), nil
}
