package session

// Config holds the caller-supplied session settings.
type Config struct {
	ApplicationName string            `json:"applicationName,omitempty"`
	UploadEndpoint  string            `json:"uploadEndpoint,omitempty"`
	ExtraMetadata   map[string]string `json:"extraMetadata,omitempty"`
}

// merge overlays next onto c field by field. Empty fields keep the previous
// value and metadata keys are merged.
func (c Config) merge(next Config) Config {
	out := Config{
		ApplicationName: c.ApplicationName,
		UploadEndpoint:  c.UploadEndpoint,
		ExtraMetadata:   make(map[string]string, len(c.ExtraMetadata)+len(next.ExtraMetadata)),
	}
	for k, v := range c.ExtraMetadata {
		out.ExtraMetadata[k] = v
	}
	if next.ApplicationName != "" {
		out.ApplicationName = next.ApplicationName
	}
	if next.UploadEndpoint != "" {
		out.UploadEndpoint = next.UploadEndpoint
	}
	for k, v := range next.ExtraMetadata {
		out.ExtraMetadata[k] = v
	}
	if len(out.ExtraMetadata) == 0 {
		out.ExtraMetadata = nil
	}
	return out
}

func (c Config) metadata() map[string]string {
	if c.ExtraMetadata == nil {
		return nil
	}
	out := make(map[string]string, len(c.ExtraMetadata))
	for k, v := range c.ExtraMetadata {
		out[k] = v
	}
	return out
}
