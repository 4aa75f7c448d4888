package engine

import (
	"strconv"
	"strings"

	"mapfree/internal/config"
)

// Class is the outcome category of a failed engine process.
type Class string

const (
	ClassTransientGPU Class = "transient_gpu"
	ClassFatal        Class = "fatal"
	ClassUnknown      Class = "unknown"
)

// Classifier inspects an engine outcome beyond its exit code.
type Classifier interface {
	Classify(exitCode int, log string) Class
}

var defaultGPUSignatures = []string{
	"illegal memory access",
	"cuda error",
	"cudaerror",
	"cuda_error",
	"out of memory",
	"failed to allocate",
	"no cuda-capable device",
	"siftgpu",
	"opengl context",
}

var defaultFatalSignatures = []string{
	"segmentation fault",
	"core dumped",
	"check failed",
	"terminate called after throwing",
}

// SignatureClassifier consults an exit-code table first and falls back to
// matching known substrings in the captured output.
type SignatureClassifier struct {
	ExitCodes       map[int]Class
	GPUSignatures   []string
	FatalSignatures []string
}

// NewClassifier builds a classifier from the built-in signatures plus cfg.
func NewClassifier(cfg config.Classifier) *SignatureClassifier {
	c := &SignatureClassifier{
		ExitCodes:       map[int]Class{},
		GPUSignatures:   append([]string{}, defaultGPUSignatures...),
		FatalSignatures: append([]string{}, defaultFatalSignatures...),
	}
	for _, s := range cfg.GPUSignatures {
		c.GPUSignatures = append(c.GPUSignatures, strings.ToLower(s))
	}
	for _, s := range cfg.FatalSignatures {
		c.FatalSignatures = append(c.FatalSignatures, strings.ToLower(s))
	}
	for code, class := range cfg.ExitCodes {
		n, err := strconv.Atoi(code)
		if err != nil || n == 0 {
			continue
		}
		c.ExitCodes[n] = Class(class)
	}
	return c
}

func (c *SignatureClassifier) Classify(exitCode int, log string) Class {
	if class, ok := c.ExitCodes[exitCode]; ok && exitCode != 0 {
		return class
	}
	lower := strings.ToLower(log)
	for _, sig := range c.GPUSignatures {
		if strings.Contains(lower, sig) {
			return ClassTransientGPU
		}
	}
	for _, sig := range c.FatalSignatures {
		if strings.Contains(lower, sig) {
			return ClassFatal
		}
	}
	return ClassUnknown
}
