package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

typedef struct {
    uint64_t frame_number;
    int64_t sec;
    int64_t nsec;
    int width;
    int height;
    int format;
    size_t data_size;
} FrameMeta;

static SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL, sizeof(SharedFrameBuffer), PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

// Returns 0 on success, negative errno on failure (including -ETIMEDOUT).
static int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (long)(timeout_ms % 1000) * 1000000L;
    if (ts.tv_nsec >= 1000000000L) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000L;
    }
    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

static void close_shm(SharedFrameBuffer* shm) {
    munmap((void*)shm, sizeof(SharedFrameBuffer));
}

static uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

// Copies the frame at index into dst without staging the whole ring entry.
// Returns -1 on a bad index, -2 when dst is too small.
static int read_frame_into(SharedFrameBuffer* shm, uint32_t index, void* dst, size_t cap, FrameMeta* meta) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    Frame* f = &shm->frames[index];
    meta->frame_number = f->frame_number;
    meta->sec = f->timestamp.tv_sec;
    meta->nsec = f->timestamp.tv_nsec;
    meta->width = f->width;
    meta->height = f->height;
    meta->format = f->format;
    meta->data_size = f->data_size;
    if (f->data_size > MAX_FRAME_SIZE || f->data_size > cap) {
        return -2;
    }
    memcpy(dst, f->data, f->data_size);
    return 0;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
)

// Frame formats written by the capture daemon.
const (
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3

	RingBufferSize = 30
	MaxFrameSize   = 1920 * 1080 * 3 / 2

	// DefaultWait bounds a single semaphore wait when ctx has no deadline.
	DefaultWait = 100 * time.Millisecond
)

var formats = map[int]frame.Format{
	FormatJPEG: frame.FormatJPEG,
	FormatNV12: frame.FormatNV12,
	FormatRGB:  frame.FormatRGB888,
	FormatH264: frame.FormatH264,
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("shm: reader closed")

// Camera reads frames published by the capture daemon into pipeline slots.
type Camera struct {
	shm      *C.SharedFrameBuffer
	shmName  string
	lastSeen uint64
	seenAny  bool
}

// Open maps the shared ring, retrying until ctx ends.
func Open(ctx context.Context, shmName string) (*Camera, error) {
	if shmName == "" {
		shmName = "/pet_camera_stream"
	}
	cName := C.CString(shmName)
	defer C.free(unsafe.Pointer(cName))

	for attempt := 0; ; attempt++ {
		if shm := C.open_shm(cName); shm != nil {
			logger.Info("SHM", "Opened shared memory %s", shmName)
			return &Camera{shm: shm, shmName: shmName}, nil
		}
		if attempt%5 == 0 {
			logger.Info("SHM", "Waiting for shared memory %s to appear (attempt %d)", shmName, attempt+1)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("open shared memory %s: %w", shmName, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Close unmaps the ring.
func (c *Camera) Close() error {
	if c.shm != nil {
		C.close_shm(c.shm)
		c.shm = nil
	}
	return nil
}

// NextFrame waits for the daemon to publish a frame newer than the last one
// delivered and copies it into slot. Waits are bounded by ctx's deadline, or
// DefaultWait without one; an idle ring yields frame.ErrNoFrame.
func (c *Camera) NextFrame(ctx context.Context, slot *frame.Slot) error {
	if c.shm == nil {
		return ErrClosed
	}
	wait := DefaultWait
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if wait <= 0 {
		return frame.ErrNoFrame
	}

	if rc := int(C.wait_new_frame(c.shm, C.int(max(1, wait.Milliseconds())))); rc != 0 {
		errno := syscall.Errno(-rc)
		if errno == syscall.ETIMEDOUT || errno == syscall.EINTR {
			return frame.ErrNoFrame
		}
		return fmt.Errorf("shm: semaphore wait: %w", errno)
	}
	return c.readLatest(slot)
}

func (c *Camera) readLatest(slot *frame.Slot) error {
	writeIndex := uint32(C.get_write_index(c.shm))
	if writeIndex == 0 {
		return frame.ErrNoFrame
	}
	index := (writeIndex - 1) % RingBufferSize

	var meta C.FrameMeta
	rc := C.read_frame_into(c.shm, C.uint32_t(index), unsafe.Pointer(&slot.Data[0]), C.size_t(len(slot.Data)), &meta)
	switch rc {
	case 0:
	case -2:
		return fmt.Errorf("shm: frame of %d bytes exceeds slot capacity %d", uint64(meta.data_size), len(slot.Data))
	default:
		return fmt.Errorf("shm: bad ring index %d", index)
	}

	num := uint64(meta.frame_number)
	if c.seenAny && num == c.lastSeen {
		return frame.ErrNoFrame
	}
	format, ok := formats[int(meta.format)]
	if !ok {
		return fmt.Errorf("shm: unknown frame format %d", int(meta.format))
	}

	c.lastSeen, c.seenAny = num, true
	slot.Size = int(meta.data_size)
	slot.Format = format
	slot.Width = int(meta.width)
	slot.Height = int(meta.height)
	slot.Timestamp = time.Unix(int64(meta.sec), int64(meta.nsec))
	return nil
}
