package common

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	Pipeline PipelineConfig
	OCR      OCRConfig
	Rules    RulesConfig
	Registry RegistryConfig
}

// PipelineConfig holds batch processing configuration
type PipelineConfig struct {
	OutputDir  string
	Workers    int
	Sequential bool
}

// OCRConfig holds recognition engine configuration
type OCRConfig struct {
	Pdftotext string
	Pdftoppm  string
	Tesseract string
	Lang      string
	DPI       int
	MaxPages  int
}

// RulesConfig locates the rule packs on disk
type RulesConfig struct {
	BasePath     string
	OverridePath string
}

// RegistryConfig locates the company registry database
type RegistryConfig struct {
	DBPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(os.TempDir(), "invoice-pipeline")),
			Workers:    getEnvAsInt("WORKERS", 4),
			Sequential: getEnvAsBool("SEQUENTIAL", false),
		},
		OCR: OCRConfig{
			Pdftotext: getEnv("PDFTOTEXT", "pdftotext"),
			Pdftoppm:  getEnv("PDFTOPPM", "pdftoppm"),
			Tesseract: getEnv("TESSERACT", "tesseract"),
			Lang:      getEnv("TESSERACT_LANG", "chi_sim+eng"),
			DPI:       getEnvAsInt("OCR_DPI", 300),
			MaxPages:  getEnvAsInt("OCR_MAX_PAGES", 0),
		},
		Rules: RulesConfig{
			BasePath:     getEnv("RULES_PATH", "rules/base.yaml"),
			OverridePath: getEnv("RULE_OVERRIDES_PATH", "rules/overrides.yaml"),
		},
		Registry: RegistryConfig{
			DBPath: getEnv("COMPANY_DB_PATH", ""),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
