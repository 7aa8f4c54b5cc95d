package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/deadmouser/MintelliFunds/internal/protocol"
)

// Layer represents one dense layer of the network.
// Weights is row-major with one row per output unit.
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"` // "relu", "sigmoid", "linear"
}

// Model describes the serialized model artifact: a shared trunk followed by
// named output heads. Head order in the artifact is the reporting order.
type Model struct {
	InputSize int                `json:"input_size"`
	Trunk     []Layer            `json:"trunk"`
	HeadOrder []string           `json:"head_order"`
	Heads     map[string][]Layer `json:"heads"`
}

// Engine is the loaded prediction engine handle. It is shared read-only by
// all connection handlers; Evaluate serializes access because the underlying
// evaluation is not guaranteed safe for concurrent callers.
type Engine struct {
	modelPath string
	model     *Model
	loaded    bool

	// Statistics
	evaluations uint64
	failures    uint64
	lastUsed    time.Time

	mu sync.Mutex
}

// Stats represents engine usage statistics
type Stats struct {
	ModelPath   string    `json:"model_path"`
	IsLoaded    bool      `json:"is_loaded"`
	InputSize   int       `json:"input_size"`
	Evaluations uint64    `json:"evaluations"`
	Failures    uint64    `json:"failures"`
	LastUsed    time.Time `json:"last_used"`
}

// Load reads and validates a model artifact and returns a ready engine handle
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file %s: %w", path, err)
	}

	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse model file %s: %w", path, err)
	}

	if err := validateModel(&model); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}

	return &Engine{
		modelPath: path,
		model:     &model,
		loaded:    true,
	}, nil
}

// validateModel checks layer dimensions so evaluation cannot index out of range
func validateModel(m *Model) error {
	if m.InputSize < 1 {
		return fmt.Errorf("input_size must be positive, got %d", m.InputSize)
	}

	if len(m.HeadOrder) == 0 {
		return fmt.Errorf("model has no output heads")
	}

	trunkOut, err := validateLayers("trunk", m.Trunk, m.InputSize)
	if err != nil {
		return err
	}

	for _, name := range m.HeadOrder {
		layers, exists := m.Heads[name]
		if !exists {
			return fmt.Errorf("head_order references unknown head '%s'", name)
		}
		if len(layers) == 0 {
			return fmt.Errorf("head '%s' has no layers", name)
		}
		if _, err := validateLayers("head "+name, layers, trunkOut); err != nil {
			return err
		}
	}

	return nil
}

// validateLayers checks a layer chain against its input width and returns the
// final output width.
func validateLayers(name string, layers []Layer, inputWidth int) (int, error) {
	width := inputWidth
	for i, layer := range layers {
		if len(layer.Weights) == 0 {
			return 0, fmt.Errorf("%s layer %d has no weight rows", name, i)
		}
		for j, row := range layer.Weights {
			if len(row) != width {
				return 0, fmt.Errorf("%s layer %d row %d: expected %d weights, got %d",
					name, i, j, width, len(row))
			}
		}
		if len(layer.Biases) != len(layer.Weights) {
			return 0, fmt.Errorf("%s layer %d: expected %d biases, got %d",
				name, i, len(layer.Weights), len(layer.Biases))
		}
		switch layer.Activation {
		case "relu", "sigmoid", "linear", "":
		default:
			return 0, fmt.Errorf("%s layer %d: unknown activation '%s'", name, i, layer.Activation)
		}
		width = len(layer.Weights)
	}
	return width, nil
}

// InputSize returns the expected feature vector width. Fixed for the lifetime
// of the handle.
func (e *Engine) InputSize() int {
	return e.model.InputSize
}

// IsLoaded reports whether the engine holds a usable model
func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Unload releases the model. Subsequent Evaluate calls fail.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
}

// Evaluate runs the model on one feature vector and returns its named output
// vectors in head order. Calls are serialized on the handle's mutex so the
// engine can be shared by any number of concurrent connection handlers.
func (e *Engine) Evaluate(features []float64) (*protocol.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		e.failures++
		return nil, errors.New("Model not loaded")
	}

	if len(features) != e.model.InputSize {
		e.failures++
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d",
			e.model.InputSize, len(features))
	}

	trunk := forward(e.model.Trunk, features)

	result := protocol.NewResult()
	for _, name := range e.model.HeadOrder {
		result.Add(name, forward(e.model.Heads[name], trunk))
	}

	e.evaluations++
	e.lastUsed = time.Now()

	return result, nil
}

// GetStats returns current engine statistics
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		ModelPath:   e.modelPath,
		IsLoaded:    e.loaded,
		InputSize:   e.model.InputSize,
		Evaluations: e.evaluations,
		Failures:    e.failures,
		LastUsed:    e.lastUsed,
	}
}

// forward applies a layer chain to an input vector
func forward(layers []Layer, input []float64) []float64 {
	out := input
	for _, layer := range layers {
		next := make([]float64, len(layer.Weights))
		for i, row := range layer.Weights {
			sum := layer.Biases[i]
			for j, w := range row {
				sum += w * out[j]
			}
			next[i] = activate(layer.Activation, sum)
		}
		out = next
	}
	return out
}

// activate applies the named activation function
func activate(name string, x float64) float64 {
	switch name {
	case "relu":
		if x < 0 {
			return 0
		}
		return x
	case "sigmoid":
		return 1.0 / (1.0 + math.Exp(-x))
	default:
		// "linear" and unset
		return x
	}
}
