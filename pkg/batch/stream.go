// Package batch streams patch batches built from sampled coordinates.
//
// A Stream is the description of the data; each call to Start opens an
// independent Pass that produces batches on a background goroutine. The
// producer runs at most Prefetch batches ahead of the consumer, so a fast
// producer cannot outgrow memory.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tumorseg/internal/models"
	"tumorseg/pkg/patch"
)

// Loader provides patient volumes to the stream
type Loader interface {
	LoadImage(ctx context.Context, patient string) (*models.Volume, error)
	LoadLabels(ctx context.Context, patient string) (*models.LabelVolume, error)
}

// Config holds configuration for a Stream
type Config struct {
	BatchSize  int
	PatchShape models.Shape

	// Heads selects the label encodings. No heads means test mode: labels
	// are never loaded and records carry only patches.
	Heads []Head

	// Preload keeps every patient resident for the life of the stream.
	// Otherwise each batch loads the patients it references and drops them.
	Preload bool

	// Prefetch is the number of finished batches allowed to wait for the consumer
	Prefetch int

	// Shuffle permutes the global coordinate order on every pass
	Shuffle bool
	Seed    uint64

	// Workers bounds parallel patch extraction inside a batch (default: NumCPU)
	Workers int

	Logger *zap.Logger
}

// Record is one batch: stacked patches plus one one-hot tensor per head
type Record struct {
	Patches     *models.Tensor
	Labels      []*models.Tensor
	Patients    []string
	Coordinates []models.Coordinate
}

// Len returns the number of patches in the batch
func (r *Record) Len() int {
	return len(r.Coordinates)
}

type entry struct {
	patient int
	coord   models.Coordinate
}

type resident struct {
	image  *models.Volume
	labels *models.LabelVolume
}

// Stream is a restartable source of patch batches
type Stream struct {
	loader   Loader
	patients []string
	entries  []entry
	cfg      Config
	log      *zap.Logger

	mu        sync.Mutex
	preloaded map[int]*resident
	passes    uint64
}

// New flattens the per-patient centers into one global ordering.
// centers[i] belongs to patients[i].
func New(loader Loader, patients []string, centers [][]models.Coordinate, cfg Config) (*Stream, error) {
	if len(patients) != len(centers) {
		return nil, fmt.Errorf("%d patients but %d center lists", len(patients), len(centers))
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PatchShape.Voxels() <= 0 {
		return nil, fmt.Errorf("invalid patch shape %v", cfg.PatchShape)
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	total := 0
	for _, c := range centers {
		total += len(c)
	}
	entries := make([]entry, 0, total)
	for p, list := range centers {
		for _, c := range list {
			entries = append(entries, entry{patient: p, coord: c})
		}
	}

	return &Stream{
		loader:    loader,
		patients:  append([]string(nil), patients...),
		entries:   entries,
		cfg:       cfg,
		log:       log,
		preloaded: make(map[int]*resident),
	}, nil
}

// Samples returns the total number of patches per pass
func (s *Stream) Samples() int {
	return len(s.entries)
}

// Steps returns the number of batches per pass
func (s *Stream) Steps() int {
	return (len(s.entries) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
}

// Start opens a new pass over the stream. The caller must Close it.
func (s *Stream) Start(ctx context.Context) *Pass {
	s.mu.Lock()
	passNum := s.passes
	s.passes++
	s.mu.Unlock()

	order := s.entries
	if s.cfg.Shuffle {
		order = append([]entry(nil), s.entries...)
		rng := rand.New(rand.NewPCG(s.cfg.Seed, passNum))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	out := make(chan *Record, s.cfg.Prefetch)

	g.Go(func() error {
		defer close(out)
		for lo := 0; lo < len(order); lo += s.cfg.BatchSize {
			hi := min(lo+s.cfg.BatchSize, len(order))
			rec, err := s.build(gctx, order[lo:hi])
			if err != nil {
				return err
			}
			select {
			case out <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return &Pass{out: out, group: g, cancel: cancel}
}

// build assembles one batch from a slice of the global ordering
func (s *Stream) build(ctx context.Context, batch []entry) (*Record, error) {
	volumes, err := s.acquire(ctx, batch)
	if err != nil {
		return nil, err
	}

	first := volumes[batch[0].patient].image
	channels := first.Channels
	for p, r := range volumes {
		if r.image.Channels != channels {
			return nil, &models.ShapeMismatchError{
				What: fmt.Sprintf("channels of patient %s", s.patients[p]),
				Want: channels,
				Got:  r.image.Channels,
			}
		}
	}

	shape := s.cfg.PatchShape
	patches := models.NewTensor(len(batch), channels, shape.Depth, shape.Height, shape.Width)
	rec := &Record{
		Patches:     patches,
		Patients:    make([]string, len(batch)),
		Coordinates: make([]models.Coordinate, len(batch)),
	}

	// Extraction only reads the volumes, so rows can be filled in parallel
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	chunk := (len(batch) + s.cfg.Workers - 1) / s.cfg.Workers
	for lo := 0; lo < len(batch); lo += chunk {
		lo, hi := lo, min(lo+chunk, len(batch))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				e := batch[i]
				patch.ExtractInto(patches.Row(i), volumes[e.patient].image, e.coord, shape)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	labels := make([]uint8, len(batch))
	for i, e := range batch {
		rec.Patients[i] = s.patients[e.patient]
		rec.Coordinates[i] = e.coord
		if len(s.cfg.Heads) > 0 {
			l := volumes[e.patient].labels
			labels[i] = l.At(e.coord.X, e.coord.Y, e.coord.Z)
		}
	}

	if len(s.cfg.Heads) > 0 {
		rec.Labels, err = EncodeLabels(s.cfg.Heads, labels)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// acquire returns the volumes referenced by batch, loading them as needed
func (s *Stream) acquire(ctx context.Context, batch []entry) (map[int]*resident, error) {
	if s.cfg.Preload {
		if err := s.preload(ctx); err != nil {
			return nil, err
		}
		return s.preloaded, nil
	}

	volumes := make(map[int]*resident)
	for _, e := range batch {
		if _, ok := volumes[e.patient]; ok {
			continue
		}
		r, err := s.load(ctx, e.patient)
		if err != nil {
			return nil, err
		}
		volumes[e.patient] = r
	}
	return volumes, nil
}

// preload loads every patient once; later passes reuse the result
func (s *Stream) preload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.preloaded) == len(s.patients) {
		return nil
	}
	for p := range s.patients {
		if _, ok := s.preloaded[p]; ok {
			continue
		}
		r, err := s.load(ctx, p)
		if err != nil {
			return err
		}
		s.preloaded[p] = r
	}
	s.log.Debug("Preloaded patients", zap.Int("patients", len(s.patients)))
	return nil
}

// load reads one patient's image and, when training, its labels
func (s *Stream) load(ctx context.Context, p int) (*resident, error) {
	name := s.patients[p]
	s.log.Debug("Loading patient", zap.String("patient", name))

	image, err := s.loader.LoadImage(ctx, name)
	if err != nil {
		return nil, asLoadError(name, err)
	}
	r := &resident{image: image}
	if len(s.cfg.Heads) == 0 {
		return r, nil
	}

	labels, err := s.loader.LoadLabels(ctx, name)
	if err != nil {
		return nil, asLoadError(name, err)
	}
	if labels.Shape() != image.Shape() {
		return nil, &models.ShapeMismatchError{
			What: fmt.Sprintf("labels of patient %s", name),
			Want: image.Shape(),
			Got:  labels.Shape(),
		}
	}
	r.labels = labels
	return r, nil
}

func asLoadError(patient string, err error) error {
	var loadErr *models.VolumeLoadError
	if errors.As(err, &loadErr) {
		return err
	}
	return &models.VolumeLoadError{Patient: patient, Err: err}
}

// Pass is one traversal of a Stream
type Pass struct {
	out    chan *Record
	group  *errgroup.Group
	cancel context.CancelFunc

	once sync.Once
	err  error
}

// Next blocks until the next batch is ready. It returns io.EOF after the
// last batch and the producer's error if the pass failed.
func (p *Pass) Next() (*Record, error) {
	rec, ok := <-p.out
	if ok {
		return rec, nil
	}
	if err := p.wait(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close stops the producer and releases any prefetched batches
func (p *Pass) Close() error {
	p.cancel()
	for range p.out {
	}
	err := p.wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pass) wait() error {
	p.once.Do(func() {
		p.err = p.group.Wait()
	})
	return p.err
}
