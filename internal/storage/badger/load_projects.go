package badger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML shape for declarative project provisioning.
// Format:
//
//	organization: org-acme
//	projects:
//	  - domain: example.com
//	    root_sitemap_url: https://example.com/sitemap.xml
//	    scan_schedule: "0 */6 * * *"
//	    auto_submit: true
//	    submit_engines: [GOOGLE, INDEXNOW]
//	    credentials:
//	      service_account_file: ./secrets/example-sa.json
//	      indexnow_key: 9f8e7d6c...
type SeedFile struct {
	Organization string        `yaml:"organization"`
	Projects     []SeedProject `yaml:"projects"`
}

// SeedProject is one project entry inside a seed file.
type SeedProject struct {
	Domain         string          `yaml:"domain"`
	RootSitemapURL string          `yaml:"root_sitemap_url"`
	ScanSchedule   string          `yaml:"scan_schedule"`
	AutoSubmit     bool            `yaml:"auto_submit"`
	SubmitEngines  []string        `yaml:"submit_engines"`
	Credentials    SeedCredentials `yaml:"credentials"`
}

// SeedCredentials carries optional credential material. Values are sealed
// through the vault before storage; the file contents never persist as-is.
type SeedCredentials struct {
	ServiceAccountJSON string `yaml:"service_account_json"` // Inline key material
	ServiceAccountFile string `yaml:"service_account_file"` // Or a path to the key file
	IndexNowKey        string `yaml:"indexnow_key"`
}

// LoadProjectsFromFiles upserts projects (and seals their credentials) from
// YAML files in dirPath. Existing projects keep their counters and scan
// history; only the declarative fields are refreshed. Errors in individual
// files or entries are logged and skipped so one bad seed cannot block
// startup.
func LoadProjectsFromFiles(ctx context.Context, storage interfaces.StorageManager, vault interfaces.Vault, dirPath string, logger arbor.ILogger) error {
	logger.Debug().Str("dir", dirPath).Msg("Loading project seeds from files")

	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		logger.Debug().Str("dir", dirPath).Msg("Seeds directory does not exist, skipping")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dirPath).Msg("Failed to read seeds directory")
		return nil // Non-fatal
	}

	loadedCount := 0
	skippedCount := 0
	errorCount := 0

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		filePath := filepath.Join(dirPath, name)
		content, err := os.ReadFile(filePath)
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Failed to read seed file")
			errorCount++
			continue
		}

		var seed SeedFile
		if err := yaml.Unmarshal(content, &seed); err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Failed to parse seed file")
			errorCount++
			continue
		}

		if seed.Organization == "" {
			logger.Warn().Str("file", name).Msg("Skipping seed file: organization is required")
			skippedCount++
			continue
		}

		for _, sp := range seed.Projects {
			loaded, err := loadSeedProject(ctx, storage, vault, seed.Organization, sp, name, logger)
			switch {
			case err != nil:
				errorCount++
			case loaded:
				loadedCount++
			default:
				skippedCount++
			}
		}
	}

	logger.Info().
		Int("loaded", loadedCount).
		Int("skipped", skippedCount).
		Int("errors", errorCount).
		Msg("Finished loading project seeds")

	return nil
}

func loadSeedProject(ctx context.Context, storage interfaces.StorageManager, vault interfaces.Vault, organizationID string, sp SeedProject, file string, logger arbor.ILogger) (bool, error) {
	if sp.Domain == "" || sp.RootSitemapURL == "" {
		logger.Warn().
			Str("file", file).
			Str("domain", sp.Domain).
			Msg("Skipping seed project: domain and root_sitemap_url are required")
		return false, nil
	}

	if sp.ScanSchedule != "" {
		if err := common.ValidateScanSchedule(sp.ScanSchedule); err != nil {
			logger.Warn().Err(err).
				Str("file", file).
				Str("domain", sp.Domain).
				Msg("Skipping seed project: invalid scan schedule")
			return false, nil
		}
	}

	engines := make([]models.Engine, 0, len(sp.SubmitEngines))
	for _, e := range sp.SubmitEngines {
		switch models.Engine(strings.ToUpper(e)) {
		case models.EngineGoogle:
			engines = append(engines, models.EngineGoogle)
		case models.EngineIndexNow:
			engines = append(engines, models.EngineIndexNow)
		default:
			logger.Warn().
				Str("file", file).
				Str("domain", sp.Domain).
				Str("engine", e).
				Msg("Ignoring unknown submit engine, valid engines are: GOOGLE, INDEXNOW")
		}
	}

	// Upsert by (org, domain): re-running seeds refreshes settings without
	// resetting history.
	project, err := storage.ProjectStorage().GetProjectByDomain(ctx, organizationID, sp.Domain)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn().Err(err).Str("domain", sp.Domain).Msg("Failed to look up seed project")
			return false, err
		}
		project = models.NewProject(organizationID, sp.Domain, sp.RootSitemapURL)
	} else {
		project.RootSitemapURL = sp.RootSitemapURL
	}
	project.Settings = models.ProjectSettings{
		ScanSchedule:  sp.ScanSchedule,
		AutoSubmit:    sp.AutoSubmit,
		SubmitEngines: engines,
	}

	if err := storage.ProjectStorage().StoreProject(ctx, project); err != nil {
		logger.Warn().Err(err).Str("domain", sp.Domain).Msg("Failed to store seed project")
		return false, err
	}

	if err := sealSeedCredentials(ctx, vault, project, sp.Credentials, logger); err != nil {
		// Credential problems are reported but leave the project usable.
		logger.Warn().Err(err).
			Str("file", file).
			Str("domain", sp.Domain).
			Msg("Seed credentials were not stored")
	}

	logger.Debug().
		Str("domain", sp.Domain).
		Str("project_id", project.ID).
		Msg("Seed project loaded")

	return true, nil
}

func sealSeedCredentials(ctx context.Context, vault interfaces.Vault, project *models.Project, creds SeedCredentials, logger arbor.ILogger) error {
	serviceAccount := creds.ServiceAccountJSON
	if serviceAccount == "" && creds.ServiceAccountFile != "" {
		content, err := os.ReadFile(creds.ServiceAccountFile)
		if err != nil {
			return err
		}
		serviceAccount = string(content)
	}

	if serviceAccount != "" {
		if _, err := vault.Seal(ctx, project.ID, models.EngineGoogle,
			models.CredentialServiceAccount, []byte(serviceAccount)); err != nil {
			return err
		}
		logger.Debug().Str("project_id", project.ID).Msg("Google credential sealed from seed")
	}

	if creds.IndexNowKey != "" {
		if _, err := vault.Seal(ctx, project.ID, models.EngineIndexNow,
			models.CredentialIndexNowKey, []byte(creds.IndexNowKey)); err != nil {
			return err
		}
		logger.Debug().Str("project_id", project.ID).Msg("IndexNow key sealed from seed")
	}

	return nil
}
