package config

import "maps"

// Clone returns a deep copy of the settings.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}

	out := *s
	out.Prompts.Templates = append([]string(nil), s.Prompts.Templates...)
	out.Generation.Dimensions = append([]Dimension(nil), s.Generation.Dimensions...)
	out.Generation.ModelParams = maps.Clone(s.Generation.ModelParams)
	if s.Credentials != nil {
		creds := *s.Credentials
		out.Credentials = &creds
	}

	return &out
}

// StripCredentials returns a deep copy with every credential field removed.
func (s *Settings) StripCredentials() *Settings {
	out := s.Clone()
	if out == nil {
		return nil
	}
	out.Credentials = nil
	for key := range out.Generation.ModelParams {
		if isCredentialKey(key) {
			delete(out.Generation.ModelParams, key)
		}
	}
	return out
}

func isCredentialKey(key string) bool {
	switch normalizeKey(key) {
	case "apikey", "api_key", "token", "secret", "password", "authorization":
		return true
	}
	return false
}
