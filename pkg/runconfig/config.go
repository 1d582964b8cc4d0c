package runconfig

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
)

// Concept describes one instance/class image set and how its preview
// samples are rendered.
type Concept struct {
	InstanceDataDir        string  `mapstructure:"instance_data_dir" json:"instance_data_dir" validate:"required"`
	InstancePrompt         string  `mapstructure:"instance_prompt" json:"instance_prompt"`
	ClassDataDir           string  `mapstructure:"class_data_dir" json:"class_data_dir"`
	ClassPrompt            string  `mapstructure:"class_prompt" json:"class_prompt"`
	NumClassImagesPerImage int     `mapstructure:"num_class_images_per" json:"num_class_images_per" validate:"gte=0"`
	SaveSamplePrompt       string  `mapstructure:"save_sample_prompt" json:"save_sample_prompt"`
	SaveSampleNegative     string  `mapstructure:"save_sample_negative_prompt" json:"save_sample_negative_prompt"`
	NSaveSample            int     `mapstructure:"n_save_sample" json:"n_save_sample" validate:"gte=0"`
	SampleSeed             int64   `mapstructure:"sample_seed" json:"sample_seed"`
	SaveGuidanceScale      float64 `mapstructure:"save_guidance_scale" json:"save_guidance_scale" validate:"gte=0"`
	SaveInferSteps         int     `mapstructure:"save_infer_steps" json:"save_infer_steps" validate:"gte=0"`
}

// Config is the run configuration. It is immutable for the duration of a
// run except for the lifetime counters Revision and Epoch, which only grow,
// and the prior-loss defaults that are written back on first use.
type Config struct {
	ModelName                 string `mapstructure:"model_name" json:"model_name" validate:"required"`
	ModelDir                  string `mapstructure:"model_dir" json:"model_dir" validate:"required"`
	PretrainedModelNameOrPath string `mapstructure:"pretrained_model_name_or_path" json:"pretrained_model_name_or_path"`
	PretrainedVAENameOrPath   string `mapstructure:"pretrained_vae_name_or_path" json:"pretrained_vae_name_or_path"`
	CustomModelName           string `mapstructure:"custom_model_name" json:"custom_model_name"`
	V2                        bool   `mapstructure:"v2" json:"v2"`

	// Lifetime counters, persisted at every save point.
	Revision int `mapstructure:"revision" json:"revision" validate:"gte=0"`
	Epoch    int `mapstructure:"epoch" json:"epoch" validate:"gte=0"`

	NumTrainEpochs            int     `mapstructure:"num_train_epochs" json:"num_train_epochs" validate:"gte=0"`
	TrainBatchSize            int     `mapstructure:"train_batch_size" json:"train_batch_size" validate:"gte=1"`
	GradientAccumulationSteps int     `mapstructure:"gradient_accumulation_steps" json:"gradient_accumulation_steps" validate:"gte=1"`
	Resolution                int     `mapstructure:"resolution" json:"resolution" validate:"gte=8"`
	Seed                      int64   `mapstructure:"seed" json:"seed"`
	MixedPrecision            string  `mapstructure:"mixed_precision" json:"mixed_precision" validate:"oneof=no fp16 bf16"`
	ForceCPU                  bool    `mapstructure:"force_cpu" json:"force_cpu"`
	Attention                 string  `mapstructure:"attention" json:"attention" validate:"oneof=default xformers flash_attention"`
	GradientCheckpointing     bool    `mapstructure:"gradient_checkpointing" json:"gradient_checkpointing"`
	GradientSetToNone         bool    `mapstructure:"gradient_set_to_none" json:"gradient_set_to_none"`
	CacheLatents              bool    `mapstructure:"cache_latents" json:"cache_latents"`
	TrainUNet                 bool    `mapstructure:"train_unet" json:"train_unet"`
	StopTextEncoder           float64 `mapstructure:"stop_text_encoder" json:"stop_text_encoder" validate:"gte=0,lte=1"`
	FreezeCLIPNormalization   bool    `mapstructure:"freeze_clip_normalization" json:"freeze_clip_normalization"`
	PadTokens                 bool    `mapstructure:"pad_tokens" json:"pad_tokens"`
	MaxTokenLength            int     `mapstructure:"max_token_length" json:"max_token_length" validate:"gte=1"`
	UseEMA                    bool    `mapstructure:"use_ema" json:"use_ema"`
	Use8BitAdam               bool    `mapstructure:"use_8bit_adam" json:"use_8bit_adam"`
	AdamWWeightDecay          float64 `mapstructure:"adamw_weight_decay" json:"adamw_weight_decay" validate:"gte=0"`

	LearningRate    float64 `mapstructure:"learning_rate" json:"learning_rate" validate:"gt=0"`
	LearningRateMin float64 `mapstructure:"learning_rate_min" json:"learning_rate_min" validate:"gte=0"`
	LRScheduler     string  `mapstructure:"lr_scheduler" json:"lr_scheduler" validate:"oneof=constant constant_with_warmup linear cosine cosine_with_restarts polynomial cosine_annealing"`
	LRWarmupSteps   int     `mapstructure:"lr_warmup_steps" json:"lr_warmup_steps" validate:"gte=0"`
	LRCycles        int     `mapstructure:"lr_cycles" json:"lr_cycles" validate:"gte=0"`
	LRPower         float64 `mapstructure:"lr_power" json:"lr_power" validate:"gte=0"`
	LRFactor        float64 `mapstructure:"lr_factor" json:"lr_factor" validate:"gte=0"`
	LRScalePos      float64 `mapstructure:"lr_scale_pos" json:"lr_scale_pos" validate:"gte=0,lte=1"`

	UseLoRA             bool    `mapstructure:"use_lora" json:"use_lora"`
	LoRARank            int     `mapstructure:"lora_rank" json:"lora_rank" validate:"gte=0"`
	LoRALearningRate    float64 `mapstructure:"lora_learning_rate" json:"lora_learning_rate" validate:"gte=0"`
	LoRATxtLearningRate float64 `mapstructure:"lora_txt_learning_rate" json:"lora_txt_learning_rate" validate:"gte=0"`
	LoRAModelName       string  `mapstructure:"lora_model_name" json:"lora_model_name"`
	LoRADir             string  `mapstructure:"lora_dir" json:"lora_dir"`

	PriorLossScale     bool    `mapstructure:"prior_loss_scale" json:"prior_loss_scale"`
	PriorLossWeight    float64 `mapstructure:"prior_loss_weight" json:"prior_loss_weight" validate:"gte=0"`
	PriorLossWeightMin float64 `mapstructure:"prior_loss_weight_min" json:"prior_loss_weight_min" validate:"gte=0"`
	PriorLossTarget    int     `mapstructure:"prior_loss_target" json:"prior_loss_target" validate:"gte=0"`

	// Intervals are measured in epochs; zero or negative disables that kind.
	SaveEmbeddingEvery int `mapstructure:"save_embedding_every" json:"save_embedding_every"`
	SavePreviewEvery   int `mapstructure:"save_preview_every" json:"save_preview_every"`

	SaveStateDuring bool `mapstructure:"save_state_during" json:"save_state_during"`
	SaveStateAfter  bool `mapstructure:"save_state_after" json:"save_state_after"`
	SaveStateCancel bool `mapstructure:"save_state_cancel" json:"save_state_cancel"`
	SaveCkptDuring  bool `mapstructure:"save_ckpt_during" json:"save_ckpt_during"`
	SaveCkptAfter   bool `mapstructure:"save_ckpt_after" json:"save_ckpt_after"`
	SaveCkptCancel  bool `mapstructure:"save_ckpt_cancel" json:"save_ckpt_cancel"`
	SaveLoRADuring  bool `mapstructure:"save_lora_during" json:"save_lora_during"`
	SaveLoRAAfter   bool `mapstructure:"save_lora_after" json:"save_lora_after"`
	SaveLoRACancel  bool `mapstructure:"save_lora_cancel" json:"save_lora_cancel"`

	// Snapshot selects the resume point: empty for none, "latest" for the
	// stored Revision, or an explicit revision number.
	Snapshot string `mapstructure:"snapshot" json:"snapshot"`

	EpochPauseFrequency int `mapstructure:"epoch_pause_frequency" json:"epoch_pause_frequency" validate:"gte=0"`
	EpochPauseTime      int `mapstructure:"epoch_pause_time" json:"epoch_pause_time" validate:"gte=0"`

	SanityPrompt string `mapstructure:"sanity_prompt" json:"sanity_prompt"`
	SanitySeed   int64  `mapstructure:"sanity_seed" json:"sanity_seed"`

	ConceptsList []Concept `mapstructure:"concepts_list" json:"concepts_list" validate:"dive"`
}

// Default returns a configuration with the defaults of the training UI.
func Default() Config {
	return Config{
		NumTrainEpochs:            100,
		TrainBatchSize:            1,
		GradientAccumulationSteps: 1,
		Resolution:                512,
		Seed:                      420420,
		MixedPrecision:            "fp16",
		Attention:                 "default",
		GradientSetToNone:         true,
		CacheLatents:              true,
		TrainUNet:                 true,
		StopTextEncoder:           1,
		PadTokens:                 true,
		MaxTokenLength:            constants.DefaultMaxTokenLength,
		AdamWWeightDecay:          0.01,
		LearningRate:              2e-6,
		LearningRateMin:           1e-6,
		LRScheduler:               "constant_with_warmup",
		LRWarmupSteps:             0,
		LRCycles:                  1,
		LRPower:                   1,
		LRFactor:                  0.5,
		LRScalePos:                0.5,
		LoRARank:                  4,
		LoRALearningRate:          1e-4,
		LoRATxtLearningRate:       5e-5,
		PriorLossWeight:           0.75,
		PriorLossWeightMin:        constants.DefaultPriorLossWeightMin,
		PriorLossTarget:           constants.DefaultPriorLossTarget,
		SaveEmbeddingEvery:        25,
		SavePreviewEvery:          5,
		SaveStateAfter:            false,
		SaveCkptAfter:             true,
		SaveCkptCancel:            true,
		SaveLoRAAfter:             true,
		SaveLoRACancel:            true,
		SanitySeed:                420420,
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Concepts returns the configured concepts; the slice is shared.
func (c *Config) Concepts() []Concept {
	return c.ConceptsList
}

// EffectivePrecision is the precision the harness must use; CPU training
// never runs in reduced precision.
func (c *Config) EffectivePrecision() string {
	if c.ForceCPU {
		return "no"
	}
	return c.MixedPrecision
}

// TextEncoderEpochs is the number of epochs the text encoder trains for.
func (c *Config) TextEncoderEpochs() int {
	stop := c.StopTextEncoder
	if !c.TrainUNet {
		stop = 1
	}
	return int(math.RoundToEven(float64(c.NumTrainEpochs) * stop))
}

// TrainsTextEncoder reports whether the text encoder trains at all.
func (c *Config) TrainsTextEncoder() bool {
	return c.TextEncoderEpochs() > 0
}

// LearningRates returns the denoiser and text-encoder learning rates, which
// differ only when training low-rank adapters.
func (c *Config) LearningRates() (unet, text float64) {
	if c.UseLoRA {
		return c.LoRALearningRate, c.LoRATxtLearningRate
	}
	return c.LearningRate, c.LearningRate
}

// ExportName is the base file name for exported artifacts.
func (c *Config) ExportName() string {
	if c.CustomModelName != "" {
		return c.CustomModelName
	}
	return c.ModelName
}

// LoRAOutputDir is where adapter weights are exported and looked up.
func (c *Config) LoRAOutputDir() string {
	if c.LoRADir != "" {
		return c.LoRADir
	}
	return filepath.Join(c.ModelDir, "lora")
}

// ResumeRevision resolves Snapshot into a revision. ok is false when no
// resume was requested.
func (c *Config) ResumeRevision() (rev int, ok bool, err error) {
	switch c.Snapshot {
	case "":
		return 0, false, nil
	case constants.SnapshotLatest:
		return c.Revision, true, nil
	}
	rev, err = strconv.Atoi(c.Snapshot)
	if err != nil || rev < 0 {
		return 0, false, fmt.Errorf("invalid snapshot %q: want %q or a revision", c.Snapshot, constants.SnapshotLatest)
	}
	return rev, true, nil
}
