package spec

// RepoConfig is the per-repository configuration file after `_extends` has
// been resolved.
type RepoConfig struct {
	Runners map[string]Attributes
	Images  map[string]Attributes
	// Admins is nil when the file does not set admins (absent or null), and
	// empty only for an explicit empty list.
	Admins []string
}

// RepoConfigFromMap converts a decoded YAML document into a RepoConfig.
// Unknown top-level keys are ignored.
func RepoConfigFromMap(doc map[string]any) RepoConfig {
	cfg := RepoConfig{
		Runners: namedAttributes(doc["runners"]),
		Images:  namedAttributes(doc["images"]),
	}
	if raw := doc["admins"]; raw != nil {
		cfg.Admins = toStrings(raw)
		if cfg.Admins == nil {
			cfg.Admins = []string{}
		}
	}
	return cfg
}

func namedAttributes(v any) map[string]Attributes {
	out := make(map[string]Attributes)
	entries, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for name, raw := range entries {
		switch attrs := raw.(type) {
		case map[string]any:
			out[name] = Attributes(attrs)
		case Attributes:
			out[name] = attrs
		default:
			out[name] = Attributes{}
		}
	}
	return out
}
