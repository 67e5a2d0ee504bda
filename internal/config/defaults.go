package config

// Default model: a small asymmetric retrieval model published with a quantized
// ONNX export. The four assets are fetched once from BaseURL on setup.
const (
	DefaultModelName    = "multilingual-e5-small"
	DefaultModelBaseURL = "https://huggingface.co/intfloat/multilingual-e5-small/resolve/main"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/semdex/data/embeddings.json"
	}
	if cfg.Storage.EmbeddingCachePath == "" {
		cfg.Storage.EmbeddingCachePath = "/usr/local/var/semdex/data/embedding-cache.db"
	}
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = "/usr/local/var/semdex/models"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = DefaultModelBaseURL
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModelName
	}
	if cfg.Model.Dimensions == 0 {
		cfg.Model.Dimensions = 384
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 256
	}
	if cfg.Model.CacheSize == 0 {
		cfg.Model.CacheSize = 10000
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = 10
	}
	if cfg.Search.MinTextLength == 0 {
		cfg.Search.MinTextLength = 3
	}
	if cfg.Indexing.DebounceSeconds == 0 {
		cfg.Indexing.DebounceSeconds = 5
	}
	if cfg.Corpus.Extensions == nil {
		cfg.Corpus.Extensions = []string{"md", "markdown", "txt", "pdf", "docx", "xlsx"}
	}
}
