package runconfig

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/atzemis13/sd-dreambooth-extension/pkg/testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.ModelName = "person"
	cfg.ModelDir = "/models/person"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with a model are valid", mutate: func(*Config) {}},
		{name: "model dir required", mutate: func(c *Config) { c.ModelDir = "" }, wantErr: "ModelDir"},
		{name: "batch size at least one", mutate: func(c *Config) { c.TrainBatchSize = 0 }, wantErr: "TrainBatchSize"},
		{name: "unknown precision", mutate: func(c *Config) { c.MixedPrecision = "fp8" }, wantErr: "MixedPrecision"},
		{name: "unknown scheduler", mutate: func(c *Config) { c.LRScheduler = "step" }, wantErr: "LRScheduler"},
		{name: "stop fraction bounded", mutate: func(c *Config) { c.StopTextEncoder = 1.5 }, wantErr: "StopTextEncoder"},
		{
			name:    "concepts validated",
			mutate:  func(c *Config) { c.ConceptsList = []Concept{{InstancePrompt: "a photo"}} },
			wantErr: "InstanceDataDir",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTextEncoderEpochs(t *testing.T) {
	cfg := validConfig()
	cfg.NumTrainEpochs = 10

	cfg.StopTextEncoder = 0.75
	assert.Equal(t, 8, cfg.TextEncoderEpochs(), "7.5 rounds half to even")
	assert.True(t, cfg.TrainsTextEncoder())

	cfg.NumTrainEpochs = 5
	cfg.StopTextEncoder = 0.5
	assert.Equal(t, 2, cfg.TextEncoderEpochs(), "2.5 rounds half to even")

	cfg.NumTrainEpochs = 10

	cfg.StopTextEncoder = 0
	assert.Equal(t, 0, cfg.TextEncoderEpochs())
	assert.False(t, cfg.TrainsTextEncoder())

	cfg.TrainUNet = false
	assert.Equal(t, 10, cfg.TextEncoderEpochs(), "text-only training ignores the stop fraction")
}

func TestEffectivePrecisionAndLearningRates(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "fp16", cfg.EffectivePrecision())
	cfg.ForceCPU = true
	assert.Equal(t, "no", cfg.EffectivePrecision())

	unet, text := cfg.LearningRates()
	assert.Equal(t, cfg.LearningRate, unet)
	assert.Equal(t, cfg.LearningRate, text)

	cfg.UseLoRA = true
	unet, text = cfg.LearningRates()
	assert.Equal(t, cfg.LoRALearningRate, unet)
	assert.Equal(t, cfg.LoRATxtLearningRate, text)
}

func TestResumeRevision(t *testing.T) {
	cfg := validConfig()
	cfg.Revision = 800

	tests := []struct {
		snapshot string
		wantRev  int
		wantOK   bool
		wantErr  bool
	}{
		{snapshot: "", wantOK: false},
		{snapshot: "latest", wantRev: 800, wantOK: true},
		{snapshot: "400", wantRev: 400, wantOK: true},
		{snapshot: "newest", wantErr: true},
		{snapshot: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.snapshot, func(t *testing.T) {
			cfg.Snapshot = tt.snapshot
			rev, ok, err := cfg.ResumeRevision()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRev, rev)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := validConfig()
	cfg.Revision = 120
	cfg.Epoch = 3
	cfg.ConceptsList = []Concept{{InstanceDataDir: "/data/person", InstancePrompt: "photo of sks person", NSaveSample: 2, SampleSeed: -1}}

	require.NoError(t, cfg.Save(fs))
	exists, err := afero.Exists(fs, "/models/person/db_config.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file is renamed away")

	loaded, err := Load(fs, "/models/person")
	require.NoError(t, err)
	if diff := cmp.Diff(&cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/models/none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading run config of /models/none")
}

func TestLoadKeepsDefaults(t *testing.T) {
	fs, err := testutils.MemFs(map[string][]byte{
		"/models/person/db_config.json": []byte(`{"model_name": "person", "revision": 12, "epoch": 3}`),
	})
	require.NoError(t, err)

	cfg, err := Load(fs, "/models/person")
	require.NoError(t, err)
	assert.Equal(t, "/models/person", cfg.ModelDir)
	assert.Equal(t, 12, cfg.Revision)
	assert.Equal(t, 3, cfg.Epoch)
	assert.Equal(t, Default().LearningRate, cfg.LearningRate)
}

func TestLoRAOutputDir(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "/models/person/lora", cfg.LoRAOutputDir())

	cfg.LoRADir = "/shared/lora"
	assert.Equal(t, "/shared/lora", cfg.LoRAOutputDir())
}

const agentYAML = `
training:
  model_name: person
  model_dir: /models/person
  train_batch_size: 2
  num_train_epochs: 4
  revision: 10
  concepts_list:
    - instance_data_dir: /data/person
      instance_prompt: photo of sks person
`

func TestFromViper(t *testing.T) {
	newViper := func(t *testing.T) *viper.Viper {
		v := viper.New()
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(agentYAML)))
		return v
	}

	t.Run("fresh model dir", func(t *testing.T) {
		cfg, err := FromViper(afero.NewMemMapFs(), newViper(t))
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.TrainBatchSize)
		assert.Equal(t, 10, cfg.Revision)
		assert.Equal(t, "default", cfg.Attention, "defaults survive")
		require.Len(t, cfg.Concepts(), 1)
		assert.Equal(t, "/data/person", cfg.Concepts()[0].InstanceDataDir)
	})

	t.Run("persisted counters win", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		stored := validConfig()
		stored.Revision = 500
		stored.Epoch = 7
		require.NoError(t, stored.Save(fs))

		cfg, err := FromViper(fs, newViper(t))
		require.NoError(t, err)
		assert.Equal(t, 500, cfg.Revision)
		assert.Equal(t, 7, cfg.Epoch)
		assert.Equal(t, 2, cfg.TrainBatchSize, "hyperparameters come from the agent config")
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		v := newViper(t)
		v.Set("training.mixed_precision", "fp4")
		_, err := FromViper(afero.NewMemMapFs(), v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid training config")
	})
}
