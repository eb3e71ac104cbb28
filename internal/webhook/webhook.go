package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider names accepted on the intake endpoint.
const (
	ProviderDockerHub = "dockerhub"
	ProviderGHCR      = "ghcr"
	ProviderGeneric   = "generic"
)

// PushEvent is the provider-neutral form of a registry push notification.
// Image is the full repository name without the registry host or tag.
type PushEvent struct {
	Registry string `json:"registry"`
	Image    string `json:"image"`
	Tag      string `json:"tag"`
	Digest   string `json:"digest,omitempty"`
}

// Ref returns the image reference without the registry host.
func (e *PushEvent) Ref() string {
	return e.Image + ":" + e.Tag
}

// Parser converts one provider's payload into a PushEvent.
type Parser func(payload []byte) (*PushEvent, error)

var parsers = map[string]Parser{
	ProviderDockerHub: parseDockerHub,
	ProviderGHCR:      parseGHCR,
	ProviderGeneric:   parseGeneric,
}

// ParserFor returns the parser registered for the given provider name.
func ParserFor(provider string) (Parser, bool) {
	p, ok := parsers[strings.ToLower(provider)]
	return p, ok
}

// Parse dispatches the payload to the provider's parser.
func Parse(provider string, payload []byte) (*PushEvent, error) {
	p, ok := ParserFor(provider)
	if !ok {
		return nil, fmt.Errorf("unknown webhook provider %q", provider)
	}
	return p(payload)
}

func validate(e *PushEvent, provider string) (*PushEvent, error) {
	if e.Image == "" {
		return nil, fmt.Errorf("%s payload has no image name", provider)
	}
	if e.Tag == "" {
		return nil, fmt.Errorf("%s payload has no tag", provider)
	}
	if e.Registry == "" {
		e.Registry = "docker.io"
	}
	return e, nil
}

// dockerHubPayload matches Docker Hub's repository webhook format.
type dockerHubPayload struct {
	PushData struct {
		Tag    string `json:"tag"`
		Digest string `json:"digest"`
	} `json:"push_data"`
	Repository struct {
		RepoName  string `json:"repo_name"`
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"repository"`
}

func parseDockerHub(payload []byte) (*PushEvent, error) {
	var p dockerHubPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode dockerhub payload: %w", err)
	}
	image := p.Repository.RepoName
	if image == "" && p.Repository.Name != "" {
		image = p.Repository.Namespace + "/" + p.Repository.Name
	}
	return validate(&PushEvent{
		Registry: "docker.io",
		Image:    image,
		Tag:      p.PushData.Tag,
		Digest:   p.PushData.Digest,
	}, ProviderDockerHub)
}

// ghcrPayload matches GitHub's package published event for container packages.
type ghcrPayload struct {
	Action  string `json:"action"`
	Package struct {
		Namespace      string `json:"namespace"`
		Name           string `json:"name"`
		Ecosystem      string `json:"ecosystem"`
		PackageVersion struct {
			ContainerMetadata struct {
				Tag struct {
					Name   string `json:"name"`
					Digest string `json:"digest"`
				} `json:"tag"`
			} `json:"container_metadata"`
		} `json:"package_version"`
	} `json:"package"`
}

func parseGHCR(payload []byte) (*PushEvent, error) {
	var p ghcrPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode ghcr payload: %w", err)
	}
	if p.Package.Ecosystem != "" && !strings.EqualFold(p.Package.Ecosystem, "container") {
		return nil, fmt.Errorf("ghcr payload is for ecosystem %q, not a container", p.Package.Ecosystem)
	}
	image := p.Package.Name
	if p.Package.Namespace != "" {
		image = p.Package.Namespace + "/" + p.Package.Name
	}
	if p.Package.Name == "" {
		image = ""
	}
	return validate(&PushEvent{
		Registry: "ghcr.io",
		Image:    image,
		Tag:      p.Package.PackageVersion.ContainerMetadata.Tag.Name,
		Digest:   p.Package.PackageVersion.ContainerMetadata.Tag.Digest,
	}, ProviderGHCR)
}

// genericPayload is the fallback format for registries without a dedicated parser.
type genericPayload struct {
	Registry string `json:"registry"`
	Image    string `json:"image"`
	Tag      string `json:"tag"`
	Digest   string `json:"digest"`
}

func parseGeneric(payload []byte) (*PushEvent, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode generic payload: %w", err)
	}
	return validate(&PushEvent{
		Registry: p.Registry,
		Image:    p.Image,
		Tag:      p.Tag,
		Digest:   p.Digest,
	}, ProviderGeneric)
}
