package lifecycle

import (
	"encoding/json"
	"sync"

	"debugbridge/internal/logging"

	"github.com/go-rod/rod/lib/proto"
)

// frameNavigatedMethod is the CDP event name, taken from rod's generated
// protocol bindings.
var frameNavigatedMethod = (&proto.PageFrameNavigated{}).ProtoEvent()

// NavigationWatcher turns Page.frameNavigated events into FrameReplaced
// notifications. Only top-level frames count. Page.frameNavigated is not
// replayed for frames that existed before Page.enable, so an unknown
// top-level frame still means a new document committed; a repeated loader id
// does not.
type NavigationWatcher struct {
	*Notifier

	mu     sync.Mutex
	frames map[proto.PageFrameID]proto.NetworkLoaderID
}

// NewNavigationWatcher creates a watcher with no known frames.
func NewNavigationWatcher() *NavigationWatcher {
	return &NavigationWatcher{
		Notifier: NewNotifier(),
		frames:   make(map[proto.PageFrameID]proto.NetworkLoaderID),
	}
}

// Observe feeds one protocol event into the watcher. Unrelated events and
// undecodable params are ignored.
func (w *NavigationWatcher) Observe(method string, params json.RawMessage) {
	if method != frameNavigatedMethod {
		return
	}
	var ev proto.PageFrameNavigated
	if err := json.Unmarshal(params, &ev); err != nil || ev.Frame == nil {
		logging.Get(logging.CategoryLifecycle).Debug("ignoring undecodable %s: %v", method, err)
		return
	}
	frame := ev.Frame
	if frame.ParentID != "" {
		return
	}

	w.mu.Lock()
	prev, known := w.frames[frame.ID]
	w.frames[frame.ID] = frame.LoaderID
	w.mu.Unlock()

	if known && prev == frame.LoaderID {
		return
	}
	logging.Lifecycle("frame %s replaced document %s -> %s (%s)", frame.ID, prev, frame.LoaderID, frame.URL)
	w.Notify(FrameReplaced{Old: string(prev), New: string(frame.LoaderID)})
}

// Seed records the current loader of a frame, e.g. from Page.getFrameTree.
func (w *NavigationWatcher) Seed(frameID, loaderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames[proto.PageFrameID(frameID)] = proto.NetworkLoaderID(loaderID)
}

// Reset forgets every known frame. Call it when the session re-attaches.
func (w *NavigationWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = make(map[proto.PageFrameID]proto.NetworkLoaderID)
}
