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

#define MAX_DETECTIONS 10

typedef struct {
    int x;
    int y;
    int w;
    int h;
} DetBox;

typedef struct {
    char class_name[32];
    float confidence;
    DetBox bbox;
} DetEntry;

typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int num_detections;
    DetEntry detections[MAX_DETECTIONS];
    volatile uint32_t version;
} LatestDetectionResult;

static LatestDetectionResult* open_detection_shm(const char* name) {
    int fd = shm_open(name, O_RDONLY, 0666);
    if (fd == -1) {
        return NULL;
    }
    LatestDetectionResult* shm = (LatestDetectionResult*)mmap(
        NULL, sizeof(LatestDetectionResult), PROT_READ, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

static void close_detection_shm(LatestDetectionResult* shm) {
    munmap((void*)shm, sizeof(LatestDetectionResult));
}

// Copies a consistent snapshot: the version is read before and after the
// copy and the copy is retried while the writer was active.
static uint32_t read_detection_snapshot(LatestDetectionResult* shm, LatestDetectionResult* out) {
    for (int i = 0; i < 4; i++) {
        uint32_t before = __atomic_load_n(&shm->version, __ATOMIC_ACQUIRE);
        memcpy(out, shm, sizeof(LatestDetectionResult));
        uint32_t after = __atomic_load_n(&shm->version, __ATOMIC_ACQUIRE);
        if (before == after) {
            return after;
        }
    }
    return 0;
}
*/
import "C"

import (
	"bytes"
	"context"
	"sync"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
)

// DefaultDetectionName is the segment the NPU detector daemon writes.
const DefaultDetectionName = "/pet_camera_detections"

// DetectionFeed is a detect.Detector backed by an external detector daemon
// that publishes its newest result into shared memory. Infer ignores the
// pixels and returns whatever the daemon published last. The segment is
// opened lazily so the daemon may start after the pipeline.
type DetectionFeed struct {
	name string

	mu      sync.Mutex
	shm     *C.LatestDetectionResult
	version uint32
	last    []detect.Detection
	closed  bool
}

var _ detect.Detector = (*DetectionFeed)(nil)

// NewDetectionFeed creates a feed reading the named segment.
func NewDetectionFeed(name string) *DetectionFeed {
	if name == "" {
		name = DefaultDetectionName
	}
	return &DetectionFeed{name: name}
}

func (f *DetectionFeed) Infer(ctx context.Context, data []byte, width, height int, format frame.Format) ([]detect.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.shm == nil && !f.open() {
		return nil, nil
	}

	var snapshot C.LatestDetectionResult
	version := uint32(C.read_detection_snapshot(f.shm, &snapshot))
	if version == 0 || version == f.version {
		return f.last, nil
	}
	f.version = version

	n := min(int(snapshot.num_detections), int(C.MAX_DETECTIONS))
	dets := make([]detect.Detection, 0, max(n, 0))
	for i := 0; i < n; i++ {
		d := snapshot.detections[i]
		name := C.GoBytes(unsafe.Pointer(&d.class_name[0]), 32)
		dets = append(dets, detect.Detection{
			ClassName:  string(bytes.TrimRight(name, "\x00")),
			Confidence: float64(d.confidence),
			BBox: detect.BoundingBox{
				X: int(d.bbox.x),
				Y: int(d.bbox.y),
				W: int(d.bbox.w),
				H: int(d.bbox.h),
			},
		})
	}
	f.last = dets
	return dets, nil
}

func (f *DetectionFeed) open() bool {
	cName := C.CString(f.name)
	defer C.free(unsafe.Pointer(cName))
	f.shm = C.open_detection_shm(cName)
	if f.shm == nil {
		return false
	}
	logger.Info("SHM", "Opened detection segment %s", f.name)
	return true
}

// Close unmaps the segment.
func (f *DetectionFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shm != nil {
		C.close_detection_shm(f.shm)
		f.shm = nil
	}
	f.closed = true
	return nil
}
