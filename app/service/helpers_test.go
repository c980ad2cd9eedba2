package service

import (
	"context"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"github.com/stretchr/testify/require"
)

// fakeAdapter 可控的模型适配器
type fakeAdapter struct {
	blobs storage.BlobStore

	mu            sync.Mutex
	ready         bool
	validateErr   error
	inferErr      error
	panicIn       string
	gate          chan struct{}
	order         []string
	inFlight      int
	maxInFlight   int
	inferStarted  chan string
	postprocessed int
}

func newFakeAdapter(blobs storage.BlobStore) *fakeAdapter {
	return &fakeAdapter{blobs: blobs, ready: true}
}

func taskIDFromRefs(in model.InputRefs) string {
	return strings.TrimSuffix(strings.TrimPrefix(in.ImageKey, storage.NamespaceUpload+"/"), "_image")
}

func (f *fakeAdapter) Validate(_ context.Context, in model.InputRefs) (model.ImageSize, error) {
	f.mu.Lock()
	f.order = append(f.order, taskIDFromRefs(in))
	err := f.validateErr
	panicIn := f.panicIn
	f.mu.Unlock()

	if panicIn == "validate" {
		panic("boom")
	}
	if err != nil {
		return model.ImageSize{}, err
	}
	return model.ImageSize{Width: 128, Height: 128}, nil
}

func (f *fakeAdapter) Preprocess(_ context.Context, in model.InputRefs) (*inpaint.Prepared, error) {
	return &inpaint.Prepared{
		Image: image.NewNRGBA(image.Rect(0, 0, 1, 1)),
		Mask:  image.NewGray(image.Rect(0, 0, 1, 1)),
	}, nil
}

func (f *fakeAdapter) Infer(ctx context.Context, in *inpaint.Prepared, _ inpaint.Params) (image.Image, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	started := f.inferStarted
	err := f.inferErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- "infer"
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return in.Image, nil
}

func (f *fakeAdapter) Postprocess(_ context.Context, _ image.Image, dest string) (string, error) {
	if err := f.blobs.Put(dest, []byte("jpeg-bytes")); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.postprocessed++
	f.mu.Unlock()
	return dest, nil
}

func (f *fakeAdapter) Info() model.ModelInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.ModelInfo{Engine: "fake", Device: "cpu", Ready: f.ready}
}

func (f *fakeAdapter) processedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeAdapter) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type serviceFixture struct {
	svc     *InpaintService
	adapter *fakeAdapter
	blobs   *storage.FileStore
}

func newServiceFixture(t *testing.T, workers, queueSize int, configure ...func(*fakeAdapter)) *serviceFixture {
	t.Helper()
	blobs := storage.NewMemStore()
	adapter := newFakeAdapter(blobs)
	for _, c := range configure {
		c(adapter)
	}

	svc := NewInpaintService(Options{
		Workers:          workers,
		QueueSize:        queueSize,
		SubscriberBuffer: 16,
		DefaultSteps:     25,
		CleanupUploads:   true,
	}, adapter, blobs, logger.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &serviceFixture{svc: svc, adapter: adapter, blobs: blobs}
}

func (f *serviceFixture) submit(t *testing.T, priority int) string {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), SubmitRequest{
		Image:    []byte("image"),
		Mask:     []byte("mask"),
		Priority: &priority,
	})
	require.NoError(t, err)
	return res.TaskID
}

func (f *serviceFixture) waitForStatus(t *testing.T, id string, status model.TaskStatus) model.InpaintTask {
	t.Helper()
	var task model.InpaintTask
	require.Eventually(t, func() bool {
		var err error
		task, err = f.svc.GetTask(id)
		return err == nil && task.Status == status
	}, 5*time.Second, 5*time.Millisecond, "任务 %s 未进入 %s", id, status)
	return task
}

// collect 读取订阅直到通道关闭
func collect(t *testing.T, sub *Subscription) []model.ProgressMessage {
	t.Helper()
	var msgs []model.ProgressMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatalf("等待订阅关闭超时，已收到 %d 条消息", len(msgs))
		}
	}
}
