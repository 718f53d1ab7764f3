package filestore

import (
	"context"
	"fmt"

	"github.com/austindbirch/pallet_sync/internal/domain"
)

// Editor is the direct-edit service for the pallet workbook. Each change
// carries the hash the caller last saw and goes through GuardedWrite.
type Editor struct {
	ctrl *Controller
	path string
}

func NewEditor(ctrl *Controller, path string) *Editor {
	return &Editor{ctrl: ctrl, path: path}
}

func (e *Editor) Path() string { return e.path }

// List returns the rows along with the snapshot they were read from
func (e *Editor) List(ctx context.Context) (Snapshot, []PalletRow, error) {
	snap, err := e.ctrl.Read(ctx, e.path)
	if err != nil {
		return Snapshot{}, nil, err
	}
	rows, err := DecodeWorkbook(snap.Data)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, rows, nil
}

func (e *Editor) edit(ctx context.Context, expectedHash string, change func([]PalletRow) ([]PalletRow, error)) (Snapshot, error) {
	return e.ctrl.GuardedWrite(ctx, e.path, expectedHash, func(current []byte) ([]byte, error) {
		rows, err := DecodeWorkbook(current)
		if err != nil {
			return nil, err
		}
		rows, err = change(rows)
		if err != nil {
			return nil, err
		}
		return EncodeWorkbook(current, rows)
	})
}

func checkIndex(rows []PalletRow, index int) error {
	if index < 0 || index >= len(rows) {
		return &domain.NotFoundError{Kind: "pallet row", ID: fmt.Sprint(index)}
	}
	return nil
}

func (e *Editor) Add(ctx context.Context, expectedHash string, row PalletRow) (Snapshot, error) {
	if err := row.Validate(); err != nil {
		return Snapshot{}, err
	}
	return e.edit(ctx, expectedHash, func(rows []PalletRow) ([]PalletRow, error) {
		return append(rows, row), nil
	})
}

func (e *Editor) Update(ctx context.Context, expectedHash string, index int, row PalletRow) (Snapshot, error) {
	if err := row.Validate(); err != nil {
		return Snapshot{}, err
	}
	return e.edit(ctx, expectedHash, func(rows []PalletRow) ([]PalletRow, error) {
		if err := checkIndex(rows, index); err != nil {
			return nil, err
		}
		rows[index] = row
		return rows, nil
	})
}

func (e *Editor) Delete(ctx context.Context, expectedHash string, index int) (Snapshot, error) {
	return e.edit(ctx, expectedHash, func(rows []PalletRow) ([]PalletRow, error) {
		if err := checkIndex(rows, index); err != nil {
			return nil, err
		}
		return append(rows[:index], rows[index+1:]...), nil
	})
}

// SetMade flags or unflags a pallet as made
func (e *Editor) SetMade(ctx context.Context, expectedHash string, index int, made bool) (Snapshot, error) {
	return e.edit(ctx, expectedHash, func(rows []PalletRow) ([]PalletRow, error) {
		if err := checkIndex(rows, index); err != nil {
			return nil, err
		}
		rows[index].Made = made
		return rows, nil
	})
}
