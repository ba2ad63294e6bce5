package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

var _ ports.BalanceProvider = (*FileBalance)(nil)

// FileBalance reads the account balance from a text file holding one number.
// The file is re-read on every call, so an external process can keep it fresh.
type FileBalance struct {
	path string
}

func NewFileBalance(path string) *FileBalance {
	return &FileBalance{path: path}
}

func (b *FileBalance) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0, fmt.Errorf("files.GetBalance: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("files.GetBalance: %s: %w", b.path, err)
	}
	return v, nil
}

// LoadPositions reads a JSON array of positions.
func LoadPositions(path string) ([]domain.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("files.LoadPositions: %w", err)
	}
	var positions []domain.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("files.LoadPositions: %s: %w", path, err)
	}
	return positions, nil
}

// LoadOpportunities reads a JSON array of sizing requests.
func LoadOpportunities(path string) ([]domain.Opportunity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("files.LoadOpportunities: %w", err)
	}
	var opps []domain.Opportunity
	if err := json.Unmarshal(data, &opps); err != nil {
		return nil, fmt.Errorf("files.LoadOpportunities: %s: %w", path, err)
	}
	return opps, nil
}
