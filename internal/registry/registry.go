// Package registry versions the model checkpoints produced by training
// iterations. Versions follow major.minor.patch per lineage: patch increments
// on an ordinary completed batch, minor when the batch was trained from a new
// base model, major only by operator request.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/store"
)

// FirstVersion starts every lineage.
const FirstVersion = "1.0.0"

type Registry struct {
	store store.Store
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// Version is a parsed major.minor.patch triple.
type Version struct {
	Major, Minor, Patch int
}

func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func Compare(a, b Version) int {
	pairs := [][2]int{{a.Major, b.Major}, {a.Minor, b.Minor}, {a.Patch, b.Patch}}
	for _, p := range pairs {
		if p[0] != p[1] {
			if p[0] < p[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Next computes the version the current iteration would produce. A fresh
// lineage starts at 1.0.0; a base-model change bumps minor and resets patch;
// otherwise patch increments.
func (r *Registry) Next(ctx context.Context, lineageID string, baseModelChanged bool) (string, error) {
	latest, err := r.store.LatestModelVersion(ctx, lineageID)
	if err != nil {
		if err == store.ErrNotFound {
			return FirstVersion, nil
		}
		return "", fmt.Errorf("latest version: %w", err)
	}
	v, err := Parse(latest.Version)
	if err != nil {
		return "", fmt.Errorf("stored version: %w", err)
	}
	if baseModelChanged {
		v.Minor++
		v.Patch = 0
	} else {
		v.Patch++
	}
	return v.String(), nil
}

// BumpMajor is operator-triggered only; it never happens as part of an
// automated iteration. The bump is persisted as a promoted entry pointing at
// the latest checkpoint, so subsequent iterations version on top of it.
func (r *Registry) BumpMajor(ctx context.Context, lineageID string) (string, error) {
	latest, err := r.store.LatestModelVersion(ctx, lineageID)
	if err != nil && err != store.ErrNotFound {
		return "", fmt.Errorf("latest version: %w", err)
	}

	next := FirstVersion
	if err == nil {
		v, perr := Parse(latest.Version)
		if perr != nil {
			return "", fmt.Errorf("stored version: %w", perr)
		}
		v.Major++
		v.Minor = 0
		v.Patch = 0
		next = v.String()
	}

	promoted := models.ModelVersion{
		LineageID:     lineageID,
		Version:       next,
		BaseModel:     latest.BaseModel,
		CheckpointRef: latest.CheckpointRef,
		InferenceURL:  latest.InferenceURL,
		Parent:        latest.Version,
		Status:        "promoted",
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.CreateModelVersion(ctx, promoted); err != nil {
		return "", fmt.Errorf("record major bump: %w", err)
	}
	return next, nil
}

// RecordInput captures everything needed to persist a new version.
type RecordInput struct {
	LineageID     string
	Version       string
	BaseModel     string
	CheckpointRef string
	InferenceURL  string
	BatchID       uuid.UUID
}

// Record persists the checkpoint produced by a completed batch, linked to its
// parent version. A duplicate version surfaces store.ErrVersionExists so a
// racing iteration can re-read and retry.
func (r *Registry) Record(ctx context.Context, in RecordInput) (models.ModelVersion, error) {
	parent := ""
	if latest, err := r.store.LatestModelVersion(ctx, in.LineageID); err == nil {
		parent = latest.Version
		pv, perr := Parse(parent)
		nv, nerr := Parse(in.Version)
		if perr == nil && nerr == nil && Compare(nv, pv) <= 0 {
			return models.ModelVersion{}, fmt.Errorf("version %s does not increase over %s", in.Version, parent)
		}
	} else if err != store.ErrNotFound {
		return models.ModelVersion{}, fmt.Errorf("latest version: %w", err)
	}

	version := models.ModelVersion{
		LineageID:     in.LineageID,
		Version:       in.Version,
		BaseModel:     in.BaseModel,
		CheckpointRef: in.CheckpointRef,
		InferenceURL:  in.InferenceURL,
		Parent:        parent,
		BatchID:       in.BatchID,
		Status:        "active",
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.CreateModelVersion(ctx, version); err != nil {
		return models.ModelVersion{}, err
	}
	return version, nil
}

// List returns the lineage history in creation order.
func (r *Registry) List(ctx context.Context, lineageID string) ([]models.ModelVersion, error) {
	return r.store.ListModelVersions(ctx, lineageID)
}
