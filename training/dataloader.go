package training

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/dataset"
)

// Batch is one prefetched mini-batch. Images and styles are paired by
// position: Styles[i] labels Images[i]. The pairing is assembled inside
// a single worker so concurrent prefetch can never reorder one side
// independently of the other.
type Batch struct {
	Images *tensor.Tensor // [B, C, H, W] in [-1, 1]
	Styles *tensor.Tensor // [B] int32
	ID     uint64
}

// LoaderConfig holds configuration for the prefetching loader.
type LoaderConfig struct {
	BatchSize     int
	ImageSize     int
	PrefetchDepth int
	Workers       int
}

// Loader prefetches style-balanced batches on background workers so
// decode latency overlaps the optimization step. The stream is
// infinite; the consumer stops it via Stop or context cancellation.
type Loader struct {
	ds      *dataset.StyleImageDataset
	sampler *dataset.WeightedStyleSampler
	config  LoaderConfig
	log     *logrus.Logger

	batchChannel chan *Batch
	errorChannel chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sampler draws are serialized; decode work is what parallelizes
	samplerMu sync.Mutex

	batchCounter atomic.Uint64
	skipped      atomic.Uint64
	running      bool
	mu           sync.Mutex
}

// NewLoader creates a loader over the dataset using the given sampler.
func NewLoader(ds *dataset.StyleImageDataset, sampler *dataset.WeightedStyleSampler, config LoaderConfig, log *logrus.Logger) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if sampler == nil {
		return nil, errors.New("sampler cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		ds:           ds,
		sampler:      sampler,
		config:       config,
		log:          log,
		batchChannel: make(chan *Batch, config.PrefetchDepth),
		errorChannel: make(chan error, config.Workers),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the background workers.
func (l *Loader) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("loader is already running")
	}
	for i := 0; i < l.config.Workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}
	l.running = true
	return nil
}

// Stop cancels the workers and drains queued batches.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.cancel()
	l.wg.Wait()

	close(l.batchChannel)
	for range l.batchChannel {
	}
	l.running = false
}

// Next blocks until a batch is ready.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	select {
	case batch := <-l.batchChannel:
		if batch == nil {
			return nil, errors.New("loader has been stopped")
		}
		return batch, nil
	case err := <-l.errorChannel:
		return nil, errors.Wrap(err, "loader worker")
	case <-l.ctx.Done():
		return nil, errors.New("loader has been cancelled")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SkippedSamples reports how many unreadable samples were skipped, for
// the periodic metrics line.
func (l *Loader) SkippedSamples() uint64 { return l.skipped.Load() }

// BatchesProduced reports the number of batches assembled so far.
func (l *Loader) BatchesProduced() uint64 { return l.batchCounter.Load() }

func (l *Loader) worker(id int) {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		batch, err := l.prepareBatch()
		if err != nil {
			select {
			case l.errorChannel <- errors.Wrapf(err, "worker %d", id):
			case <-l.ctx.Done():
			}
			return
		}

		select {
		case l.batchChannel <- batch:
		case <-l.ctx.Done():
			return
		}
	}
}

// prepareBatch draws and decodes one full batch. Unreadable samples are
// skipped with a warning and redrawn; only a fully undecodable corpus
// aborts.
func (l *Loader) prepareBatch() (*Batch, error) {
	b := l.config.BatchSize
	size := l.config.ImageSize
	sampleLen := 3 * size * size

	images := make([]float32, 0, b*sampleLen)
	styles := make([]int32, 0, b)

	attempts := 0
	maxAttempts := b * 10

	for len(styles) < b {
		if attempts >= maxAttempts {
			return nil, errors.Errorf("gave up assembling batch after %d failed decodes", attempts)
		}
		attempts++

		l.samplerMu.Lock()
		idx := l.sampler.Next()
		l.samplerMu.Unlock()

		sample, err := l.ds.Get(idx)
		if err != nil {
			l.skipped.Add(1)
			l.log.WithError(err).WithField("index", idx).Warn("skipping unreadable sample")
			continue
		}
		if len(sample.Image.Data) != sampleLen {
			return nil, errors.Errorf("sample %s decoded to %d values, expected %d",
				sample.Path, len(sample.Image.Data), sampleLen)
		}

		images = append(images, sample.Image.Data...)
		styles = append(styles, int32(sample.StyleID))
	}

	imageTensor, err := tensor.NewTensor([]int{b, 3, size, size}, tensor.Float32, tensor.CPU, images)
	if err != nil {
		return nil, errors.Wrap(err, "build image batch")
	}
	styleTensor, err := tensor.NewTensor([]int{b}, tensor.Int32, tensor.CPU, styles)
	if err != nil {
		return nil, errors.Wrap(err, "build style batch")
	}

	return &Batch{
		Images: imageTensor,
		Styles: styleTensor,
		ID:     l.batchCounter.Add(1),
	}, nil
}
