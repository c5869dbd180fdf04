// Package transformer runs an optional JavaScript normalisation step over
// decoded payloads before they reach schema validation.
//
// The script must define transform(payload) and return an object:
//
//	function transform(p) {
//	    p.depth = convertLength(p.depth_mm, "mm", "cm");
//	    delete p.depth_mm;
//	    return p;
//	}
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
)

// DefaultTimeout bounds a single transform call.
const DefaultTimeout = time.Second

// Transformer holds one compiled script. It is safe for concurrent use;
// calls are serialised because a goja runtime is single-threaded.
type Transformer struct {
	mu      sync.Mutex
	script  *script
	timeout time.Duration
}

type script struct {
	vm        *goja.Runtime
	transform goja.Callable
	path      string
}

// New compiles the configured script.
func New(cfg config.TransformConfig) (*Transformer, error) {
	s, err := load(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded transform script %s", describe(s))
	return &Transformer{script: s, timeout: DefaultTimeout}, nil
}

// SetTimeout changes the per-call limit. Zero disables it.
func (t *Transformer) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

func describe(s *script) string {
	if s.path != "" {
		return s.path
	}
	return "(inline)"
}

func load(cfg config.TransformConfig) (*script, error) {
	var code string
	switch {
	case cfg.ScriptCode != "":
		code = cfg.ScriptCode
	case cfg.ScriptPath != "":
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("cannot load script file %s: %w", cfg.ScriptPath, err)
		}
		code = string(b)
	default:
		return nil, errors.New("no script code or script path provided")
	}

	vm := goja.New()
	registerHelpers(vm)

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, errors.New("script does not define a 'transform' function")
	}

	return &script{vm: vm, transform: fn, path: cfg.ScriptPath}, nil
}

func registerHelpers(vm *goja.Runtime) {
	_ = vm.Set("log", func(msg string) {
		logger.Debug("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(s string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			logger.Warn("parseJSON failed: %v", err)
			return nil
		}
		return data
	})

	// formatDate formats a Unix timestamp in seconds
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).UTC().Format(format)
	})

	_ = vm.Set("convertLength", convertLength)

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})
}

var lengthInMM = map[string]float64{
	"MM": 1,
	"CM": 10,
	"M":  1000,
	"IN": 25.4,
	"FT": 304.8,
}

// convertLength converts between mm, cm, m, in and ft. Unknown units return
// the value unchanged.
func convertLength(value float64, fromUnit, toUnit string) float64 {
	from, ok1 := lengthInMM[strings.ToUpper(fromUnit)]
	to, ok2 := lengthInMM[strings.ToUpper(toUnit)]
	if !ok1 || !ok2 {
		return value
	}
	return value * from / to
}

// Transform runs the script over a copy of payload. The script must return
// an object; anything else is an error.
func (t *Transformer) Transform(payload map[string]interface{}) (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.script
	if t.timeout > 0 {
		timer := time.AfterFunc(t.timeout, func() {
			s.vm.Interrupt("transform timed out")
		})
		defer func() {
			timer.Stop()
			s.vm.ClearInterrupt()
		}()
	}

	result, err := s.transform(goja.Undefined(), s.vm.ToValue(clone(payload)))
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}

	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, errors.New("transform returned no object")
	}

	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transform returned %s, not an object", result.ExportType())
	}
	return obj, nil
}

// Reload replaces the script. On error the previous script stays active.
func (t *Transformer) Reload(cfg config.TransformConfig) error {
	s, err := load(cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.script = s
	t.mu.Unlock()

	logger.Info("reloaded transform script %s", describe(s))
	return nil
}

func clone(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = clone(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = clone(item)
		}
		return out
	default:
		return val
	}
}
