package domain

import "strings"

// Container represents a container in the system (Docker, K8s, etc.)
type Container struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	Status       string   `json:"status"`
	State        string   `json:"state"` // running, exited, etc.
	StackName    string   `json:"stackName,omitempty"`
	InstanceID   string   `json:"instanceId"`
	InstanceName string   `json:"instanceName"`
	RepoDigests  []string `json:"repoDigests,omitempty"`

	// ProvidesNetwork is set when other containers attach to this
	// container's network namespace.
	ProvidesNetwork bool `json:"providesNetwork"`
	// UsesNetworkMode holds the ID of the provider this container attaches
	// to, empty when it has its own network namespace.
	UsesNetworkMode string `json:"usesNetworkMode,omitempty"`
}

// Ref returns the endpoint-qualified reference for the container.
func (c Container) Ref() ContainerRef {
	return ContainerRef{InstanceID: c.InstanceID, ID: c.ID}
}

// HasDigest reports whether one of the container's repo digests points at digest.
func (c Container) HasDigest(digest string) bool {
	if digest == "" {
		return false
	}
	for _, rd := range c.RepoDigests {
		if strings.HasSuffix(rd, "@"+digest) || rd == digest {
			return true
		}
	}
	return false
}

// ContainerRef addresses a container on a specific endpoint.
type ContainerRef struct {
	InstanceID string `json:"instanceId"`
	ID         string `json:"id"`
}

func (r ContainerRef) String() string {
	if r.InstanceID == "" {
		return r.ID
	}
	return r.InstanceID + "/" + r.ID
}

// ContainerSpec is everything needed to recreate a container. Payload is
// owned by the endpoint adapter that produced it; the core only rewrites
// Image and NetworkMode.
type ContainerSpec struct {
	InstanceID  string `json:"instanceId"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	NetworkMode string `json:"networkMode,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// ContainerStatus is the coarse runtime status reported by an endpoint.
type ContainerStatus string

const (
	ContainerRunning  ContainerStatus = "running"
	ContainerStarting ContainerStatus = "starting"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerMissing  ContainerStatus = "missing"
)

// ImageVersion is what a registry reports as the latest version of a reference.
type ImageVersion struct {
	Digest string `json:"digest"`
	Tag    string `json:"tag"`
}

// NetworkModePrefix marks a container that shares another container's network namespace.
const NetworkModePrefix = "container:"

// NetworkModeFor returns the network mode attaching to the given provider.
func NetworkModeFor(providerID string) string {
	return NetworkModePrefix + providerID
}

// ImageRepository strips the tag and digest from an image reference.
func ImageRepository(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	slash := strings.LastIndex(image, "/")
	if colon := strings.LastIndex(image, ":"); colon > slash {
		image = image[:colon]
	}
	return image
}

// PinnedImage returns repo@digest for the given reference and digest.
func PinnedImage(image, digest string) string {
	if digest == "" {
		return image
	}
	return ImageRepository(image) + "@" + digest
}
