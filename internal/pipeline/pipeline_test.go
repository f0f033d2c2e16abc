package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/pipeline"
	"github.com/slok/photomesh/internal/storage/memory"
	"github.com/slok/photomesh/internal/workspace"
)

var jpegPayload = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0, 0}

type fakeStages struct {
	failAt    model.StageName
	calls     []model.StageName
	fuseMasks *bool
	cloud     model.PointCloud
}

func (f *fakeStages) stage(name model.StageName) model.StageResult {
	f.calls = append(f.calls, name)
	if name == f.failAt {
		return model.StageResult{Stage: name, Error: "stage blew up"}
	}
	return model.StageResult{Stage: name, Success: true}
}

func (f *fakeStages) ExtractFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult {
	return f.stage(model.StageFeatureExtraction)
}
func (f *fakeStages) MatchFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult {
	return f.stage(model.StageFeatureMatching)
}
func (f *fakeStages) Map(ctx context.Context, ws *workspace.Layout) model.StageResult {
	return f.stage(model.StageMapping)
}
func (f *fakeStages) Undistort(ctx context.Context, ws *workspace.Layout) model.StageResult {
	return f.stage(model.StageUndistortion)
}
func (f *fakeStages) DenseStereo(ctx context.Context, ws *workspace.Layout) model.StageResult {
	return f.stage(model.StageDenseStereo)
}
func (f *fakeStages) Fuse(ctx context.Context, ws *workspace.Layout, useMasks bool) model.StageResult {
	f.fuseMasks = &useMasks
	res := f.stage(model.StageFusion)
	res.UsedMasks = useMasks
	return res
}
func (f *fakeStages) FusedCloud(ws *workspace.Layout) (*model.PointCloud, error) {
	c := f.cloud
	c.Origin = model.CloudDense
	return &c, nil
}
func (f *fakeStages) ExportSparse(ctx context.Context, ws *workspace.Layout) (model.StageResult, *model.PointCloud) {
	res := f.stage(model.StageSparseExport)
	if !res.Success {
		return res, nil
	}
	c := f.cloud
	c.Origin = model.CloudSparse
	return res, &c
}

type fakeMesher struct {
	result     model.MeshResult
	gotCloud   *model.PointCloud
	gotImages  []string
	fromCloud  int
	fromImages int
}

func (f *fakeMesher) FromPointCloud(ctx context.Context, cloud model.PointCloud, outDir string) model.MeshResult {
	f.fromCloud++
	f.gotCloud = &cloud
	return f.result
}

func (f *fakeMesher) FromImages(ctx context.Context, imagePaths []string, outDir string) model.MeshResult {
	f.fromImages++
	f.gotImages = imagePaths
	return f.result
}

type fakeMasker struct {
	batch model.MaskBatch
	// writeNames are files dropped into the output dir, simulating results.
	writeNames []string
	gotInput   string
	gotOutput  string
}

func (f *fakeMasker) ProcessDirectory(ctx context.Context, inputDir, outputDir, pattern string) model.MaskBatch {
	f.gotInput = inputDir
	f.gotOutput = outputDir
	for _, n := range f.writeNames {
		_ = os.WriteFile(filepath.Join(outputDir, n), []byte("masked"), 0644)
	}
	return f.batch
}

type maskerFactory struct {
	masker      *fakeMasker
	calls       int
	gotKey      string
	gotChannels model.MaskChannels
}

func (f *maskerFactory) new(apiKey string, channels model.MaskChannels) (pipeline.Masker, error) {
	f.calls++
	f.gotKey = apiKey
	f.gotChannels = channels
	return f.masker, nil
}

func newRepo(t *testing.T) *memory.Repository {
	t.Helper()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

func settings(t *testing.T, engine model.Engine, gpu bool) model.PipelineSettings {
	t.Helper()
	return model.PipelineSettings{
		WorkDir: t.TempDir(),
		Engine:  engine,
		GPU:     gpu,
	}
}

func TestRunSparseHappyPath(t *testing.T) {
	stages := &fakeStages{cloud: model.PointCloud{Path: "sparse.ply", Points: 40}}
	mesher := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.ply", Triangles: 10}}
	repo := newRepo(t)

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:   settings(t, model.EnginePhotogrammetry, false),
		Stages:     stages,
		Mesher:     mesher,
		Repository: repo,
		Logger:     log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{Images: [][]byte{jpegPayload, jpegPayload, jpegPayload}})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.BranchSparse, report.Branch)
	assert.Equal(t, 3, report.ImagesSaved)
	assert.Equal(t, 0, report.BinaryMasks)
	assert.Equal(t, model.MaskSourceNone, report.MaskSource)

	// CPU branch never touches the dense stages.
	assert.Equal(t, []model.StageName{
		model.StageFeatureExtraction,
		model.StageFeatureMatching,
		model.StageMapping,
		model.StageSparseExport,
	}, stages.calls)

	require.NotNil(t, mesher.gotCloud)
	assert.Equal(t, model.CloudSparse, mesher.gotCloud.Origin)

	// The run summary is persisted.
	run, err := repo.GetRun(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
}

func TestRunProvidedMasksSkipAPI(t *testing.T) {
	stages := &fakeStages{cloud: model.PointCloud{Path: "fused.ply", Points: 500}}
	mesher := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.ply"}}
	factory := &maskerFactory{masker: &fakeMasker{batch: model.MaskBatch{Success: true}}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:  settings(t, model.EnginePhotogrammetry, true),
		Stages:    stages,
		Mesher:    mesher,
		NewMasker: factory.new,
		Logger:    log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{
		Images: [][]byte{jpegPayload, jpegPayload},
		Masks:  [][]byte{[]byte("mask-a"), []byte("mask-b")},
		APIKey: "should-not-be-used",
	})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.MaskSourceProvided, report.MaskSource)
	assert.Equal(t, 2, report.BinaryMasks)
	// Pre-supplied masks must never trigger an API call.
	assert.Equal(t, 0, factory.calls)

	// The masks landed under the saved image stems.
	for _, n := range []string{"image_000.png", "image_001.png"} {
		_, err := os.Stat(filepath.Join(report.WorkDir, "masks", n))
		assert.NoError(t, err)
	}

	// Dense branch fuses with masks enabled.
	require.NotNil(t, stages.fuseMasks)
	assert.True(t, *stages.fuseMasks)
}

func TestRunDenseAPIMasks(t *testing.T) {
	stages := &fakeStages{cloud: model.PointCloud{Path: "fused.ply", Points: 500}}
	mesher := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.ply"}}
	factory := &maskerFactory{masker: &fakeMasker{
		batch:      model.MaskBatch{Success: true, Processed: 2, Total: 2},
		writeNames: []string{"image_000.png", "image_001.png"},
	}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:  settings(t, model.EnginePhotogrammetry, true),
		Stages:    stages,
		Mesher:    mesher,
		NewMasker: factory.new,
		Logger:    log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{
		Images: [][]byte{jpegPayload, jpegPayload},
		APIKey: "key-123",
	})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.BranchDense, report.Branch)
	assert.Equal(t, model.MaskSourceAPI, report.MaskSource)
	assert.Equal(t, 2, report.BinaryMasks)

	assert.Equal(t, 1, factory.calls)
	assert.Equal(t, "key-123", factory.gotKey)
	// The photogrammetry engine requests binary masks.
	assert.Equal(t, model.MaskChannelsAlpha, factory.gotChannels)

	require.NotNil(t, stages.fuseMasks)
	assert.True(t, *stages.fuseMasks)

	require.NotNil(t, mesher.gotCloud)
	assert.Equal(t, model.CloudDense, mesher.gotCloud.Origin)
}

func TestRunMaskingFailureDegrades(t *testing.T) {
	stages := &fakeStages{cloud: model.PointCloud{Path: "fused.ply", Points: 500}}
	mesher := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.ply"}}
	factory := &maskerFactory{masker: &fakeMasker{
		batch: model.MaskBatch{Failed: 2, Total: 2, Error: "all requests failed"},
	}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:  settings(t, model.EnginePhotogrammetry, true),
		Stages:    stages,
		Mesher:    mesher,
		NewMasker: factory.new,
		Logger:    log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{
		Images: [][]byte{jpegPayload, jpegPayload},
		APIKey: "key-123",
	})

	// The pipeline continues unmasked instead of failing.
	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.MaskSourceNone, report.MaskSource)
	assert.Equal(t, 0, report.BinaryMasks)

	require.NotNil(t, stages.fuseMasks)
	assert.False(t, *stages.fuseMasks)
}

func TestRunStageFailureStopsPipeline(t *testing.T) {
	stages := &fakeStages{failAt: model.StageMapping}
	mesher := &fakeMesher{result: model.MeshResult{Success: true}}
	repo := newRepo(t)

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:   settings(t, model.EnginePhotogrammetry, false),
		Stages:     stages,
		Mesher:     mesher,
		Repository: repo,
		Logger:     log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{Images: [][]byte{jpegPayload}})

	assert.False(t, report.Success)
	assert.Equal(t, model.StageMapping, report.Stage)
	assert.Equal(t, "stage blew up", report.Error)
	assert.Equal(t, 0, mesher.fromCloud)

	run, err := repo.GetRun(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StageMapping, run.Stage)
}

func TestRunNoImagesFails(t *testing.T) {
	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings: settings(t, model.EnginePhotogrammetry, false),
		Stages:   &fakeStages{},
		Mesher:   &fakeMesher{},
		Logger:   log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{})

	assert.False(t, report.Success)
	assert.Equal(t, model.StageSaveImages, report.Stage)
}

func TestRunTruncatesImages(t *testing.T) {
	stages := &fakeStages{cloud: model.PointCloud{Path: "sparse.ply", Points: 40}}
	mesher := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.ply"}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings: settings(t, model.EnginePhotogrammetry, false),
		Stages:   stages,
		Mesher:   mesher,
		Logger:   log.Noop,
	})
	require.NoError(t, err)

	images := make([][]byte, 9)
	for i := range images {
		images[i] = jpegPayload
	}

	report := svc.Run(context.Background(), pipeline.RunRequest{Images: images})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, 5, report.ImagesSaved)
}

func TestRunNeuralUsesCutouts(t *testing.T) {
	neural := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.glb"}}
	factory := &maskerFactory{masker: &fakeMasker{
		batch:      model.MaskBatch{Success: true, Processed: 1, Total: 1},
		writeNames: []string{"image_000.png"},
	}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:     settings(t, model.EngineNeural, false),
		NeuralMesher: neural,
		NewMasker:    factory.new,
		Logger:       log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{
		Images: [][]byte{jpegPayload},
		APIKey: "key-123",
	})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.MaskSourceAPI, report.MaskSource)
	// The neural engine wants full cutouts, not binary masks.
	assert.Equal(t, model.MaskChannelsRGBA, factory.gotChannels)
	assert.Equal(t, 0, report.BinaryMasks)

	require.Len(t, neural.gotImages, 1)
	assert.Equal(t, filepath.Join(report.WorkDir, "masked", "image_000.png"), neural.gotImages[0])
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRunNeuralProvidedMasksBecomeCutouts(t *testing.T) {
	neural := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.glb"}}
	factory := &maskerFactory{masker: &fakeMasker{}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:     settings(t, model.EngineNeural, false),
		NeuralMesher: neural,
		NewMasker:    factory.new,
		Logger:       log.Noop,
	})
	require.NoError(t, err)

	photo := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			photo.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 255})
	mask.SetGray(1, 0, color.Gray{Y: 255})
	mask.SetGray(0, 1, color.Gray{Y: 255})
	// (1,1) stays black: background.

	report := svc.Run(context.Background(), pipeline.RunRequest{
		Images: [][]byte{encodePNG(t, photo)},
		Masks:  [][]byte{encodePNG(t, mask)},
		APIKey: "should-not-be-used",
	})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.MaskSourceProvided, report.MaskSource)
	// Pre-supplied masks must never trigger an API call.
	assert.Equal(t, 0, factory.calls)

	// The model receives the composited cutout, not the raw image.
	cutout := filepath.Join(report.WorkDir, "masked", "image_000.png")
	require.Len(t, neural.gotImages, 1)
	assert.Equal(t, cutout, neural.gotImages[0])

	f, err := os.Open(cutout)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	at := func(x, y int) color.NRGBA {
		return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	}
	assert.Equal(t, uint8(255), at(0, 0).A, "foreground stays opaque")
	assert.Equal(t, uint8(0), at(1, 1).A, "masked background becomes transparent")
}

func TestRunNeuralWithoutMaskerUsesRawImages(t *testing.T) {
	neural := &fakeMesher{result: model.MeshResult{Success: true, MeshPath: "mesh.glb"}}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:     settings(t, model.EngineNeural, false),
		NeuralMesher: neural,
		Logger:       log.Noop,
	})
	require.NoError(t, err)

	report := svc.Run(context.Background(), pipeline.RunRequest{Images: [][]byte{jpegPayload, jpegPayload}})

	require.True(t, report.Success, "run failed: %s", report.Error)
	assert.Equal(t, model.MaskSourceNone, report.MaskSource)

	require.Len(t, neural.gotImages, 2)
	assert.Equal(t, "image_000.jpg", filepath.Base(neural.gotImages[0]))
}
