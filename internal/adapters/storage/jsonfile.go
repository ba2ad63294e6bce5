package storage

// jsonfile.go — estado del kill switch como fichero JSON + audit log JSONL.
//
// El fichero de estado se reescribe entero en cada mutación vía tmp + fsync +
// rename, así que un crash deja la versión anterior o la nueva, nunca una mezcla.
// El audit log es append-only, una línea JSON por evento.

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

var _ ports.KillSwitchStorage = (*FileKillSwitchStore)(nil)

// requiredStateKeys deben estar presentes y no ser null en el fichero de estado.
var requiredStateKeys = []string{"armed", "triggered"}

// FileKillSwitchStore implementa ports.KillSwitchStorage sobre dos ficheros.
// El compare-and-swap de TriggerKillSwitch es atómico dentro del proceso;
// entre procesos el despliegue debe serializar los writers.
type FileKillSwitchStore struct {
	statePath   string
	historyPath string
	mu          sync.Mutex
}

// NewFileKillSwitchStore crea el store. Los directorios padre se crean si faltan.
func NewFileKillSwitchStore(statePath, historyPath string) (*FileKillSwitchStore, error) {
	for _, p := range []string{statePath, historyPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage.NewFileKillSwitchStore: mkdir %q: %w", dir, err)
			}
		}
	}
	return &FileKillSwitchStore{statePath: statePath, historyPath: historyPath}, nil
}

// LoadKillSwitch lee y valida el fichero de estado.
func (f *FileKillSwitchStore) LoadKillSwitch(_ context.Context) (domain.KillSwitchState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileKillSwitchStore) load() (domain.KillSwitchState, error) {
	var st domain.KillSwitchState
	data, err := os.ReadFile(f.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return st, domain.ErrStateNotFound
	}
	if err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: read %q: %w", f.statePath, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w: %v", domain.ErrStateCorrupt, err)
	}
	// null o {} se decodifican sin error; sin los flags el estado no es fiable.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w: %v", domain.ErrStateCorrupt, err)
	}
	for _, k := range requiredStateKeys {
		if v, ok := keys[k]; !ok || string(v) == "null" {
			return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w: missing %q", domain.ErrStateCorrupt, k)
		}
	}
	if st.TriggerLevel != domain.LevelNone && !st.TriggerLevel.Valid() {
		return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w: trigger_level=%d", domain.ErrStateCorrupt, st.TriggerLevel)
	}
	if st.Triggered && st.TriggerLevel == domain.LevelNone {
		return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w: triggered without level", domain.ErrStateCorrupt)
	}
	return st, nil
}

// SaveKillSwitch reescribe el fichero de estado atómicamente.
func (f *FileKillSwitchStore) SaveKillSwitch(_ context.Context, st domain.KillSwitchState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(st)
}

func (f *FileKillSwitchStore) save(st domain.KillSwitchState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: marshal: %w", err)
	}
	if err := writeFileAtomic(f.statePath, data); err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// TriggerKillSwitch relee el estado y solo escribe si no estaba disparado.
// Un estado ausente o corrupto cuenta como no disparado: se sobrescribe.
func (f *FileKillSwitchStore) TriggerKillSwitch(_ context.Context, st domain.KillSwitchState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.load()
	switch {
	case err == nil:
		if cur.Triggered {
			return false, nil
		}
	case errors.Is(err, domain.ErrStateNotFound), errors.Is(err, domain.ErrStateCorrupt):
	default:
		return false, fmt.Errorf("storage.TriggerKillSwitch: %w", err)
	}

	st.Triggered = true
	if err := f.save(st); err != nil {
		return false, err
	}
	return true, nil
}

// AppendKillSwitchEvent añade una línea al audit log y hace fsync.
func (f *FileKillSwitchStore) AppendKillSwitchEvent(_ context.Context, ev domain.KillSwitchEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage.AppendKillSwitchEvent: marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage.AppendKillSwitchEvent: open: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("storage.AppendKillSwitchEvent: write: %w", err)
	}
	if err := fh.Sync(); err != nil {
		return fmt.Errorf("storage.AppendKillSwitchEvent: sync: %w", err)
	}
	return nil
}

// KillSwitchHistory lee el audit log completo y lo devuelve invertido.
// Las líneas ilegibles se saltan con un warning.
func (f *FileKillSwitchStore) KillSwitchHistory(_ context.Context, limit int) ([]domain.KillSwitchEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.KillSwitchHistory: open: %w", err)
	}
	defer fh.Close()

	var events []domain.KillSwitchEvent
	sc := bufio.NewScanner(fh)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev domain.KillSwitchEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			slog.Warn("storage: skipping unreadable audit line", "path", f.historyPath, "line", lineNo, "err", err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("storage.KillSwitchHistory: scan: %w", err)
	}

	slices.Reverse(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// writeFileAtomic escribe en path.tmp, hace fsync y renombra sobre path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
