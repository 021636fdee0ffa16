// Package faceparse runs a face-parsing segmentation model through ONNX
// Runtime and turns its class map into per-feature colors.
package faceparse

import (
	"context"
	"fmt"
	"image"
	"sync"

	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/pkg/pipeline"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Loader owns the ONNX Runtime environment shared by every Parser it builds.
type Loader struct {
	modelPath string
	libPath   string
	Metadata  Metadata
	log       *logrus.Logger

	mu       sync.Mutex
	envReady bool
}

func NewLoader(log *logrus.Logger, modelPath, metadataPath, libPath string) (*Loader, error) {
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	return &Loader{
		modelPath: modelPath,
		libPath:   libPath,
		Metadata:  meta,
		log:       log,
	}, nil
}

func (l *Loader) initEnvironment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.envReady {
		return nil
	}
	if l.libPath != "" {
		ort.SetSharedLibraryPath(l.libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	l.envReady = true
	return nil
}

// Load builds one Parser. Auto and cuda try the CUDA execution provider
// first and fall back to the CPU one.
func (l *Loader) Load(device pipeline.Device) (pipeline.FacePipeline, string, error) {
	if err := l.initEnvironment(); err != nil {
		return nil, "", err
	}

	if device != pipeline.DeviceCPU {
		parser, err := l.newParser(true)
		if err == nil {
			return parser, string(pipeline.DeviceCUDA), nil
		}

		fields := logrus.Fields{"error": err.Error(), "requested": device.String()}
		if device == pipeline.DeviceCUDA {
			l.log.WithFields(fields).Warn("CUDA requested but not available, using CPU")
		} else {
			l.log.WithFields(fields).Info("No CUDA device, using CPU")
		}
	}

	parser, err := l.newParser(false)
	if err != nil {
		return nil, "", err
	}
	return parser, string(pipeline.DeviceCPU), nil
}

func (l *Loader) newParser(cuda bool) (*Parser, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()

		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(l.Metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(l.Metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(l.modelPath,
		[]string{l.Metadata.InputName}, []string{l.Metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	size := l.Metadata.ImageSize
	return &Parser{
		session:      session,
		meta:         l.Metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		classMap:     make([]uint8, size*size),
	}, nil
}

// Close tears down the ONNX environment. Parsers must be closed first.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.envReady {
		return nil
	}
	l.envReady = false
	return ort.DestroyEnvironment()
}

// Parser is one model replica. Its tensors are bound to the session, so Run
// must not be called concurrently on the same Parser.
type Parser struct {
	session      *ort.AdvancedSession
	meta         Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	classMap     []uint8
}

func (p *Parser) Run(ctx context.Context, img image.Image) (entity.DetectedFeatures, error) {
	if err := pipeline.CheckImage(img); err != nil {
		return entity.NoFace, err
	}
	if err := ctx.Err(); err != nil {
		return entity.NoFace, err
	}

	resized := preprocess(img, p.meta, p.inputTensor.GetData())

	if err := p.session.Run(); err != nil {
		return entity.NoFace, fmt.Errorf("inference failed: %w", err)
	}

	argmax(p.outputTensor.GetData(), p.meta.NumClasses(), len(p.classMap), p.classMap)

	return extractFeatures(resized, p.classMap, p.meta), nil
}

func (p *Parser) Close() error {
	if p.inputTensor != nil {
		p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		p.outputTensor.Destroy()
	}
	if p.session != nil {
		return p.session.Destroy()
	}
	return nil
}
