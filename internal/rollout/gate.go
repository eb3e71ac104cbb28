package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Gate is the registry admission check run before any rollout is planned.
// Images in the internal namespaces bypass the registry entirely; everything
// else must be present and approved, and the pushed tag must not be
// deprecated.
type Gate struct {
	images store.Image
	events *events.Publisher
	log    logrus.FieldLogger

	namespaces []namespaceMatcher
}

type namespaceMatcher struct {
	prefix string
	glob   glob.Glob
}

func (m namespaceMatcher) match(image string) bool {
	if m.glob != nil {
		return m.glob.Match(image)
	}
	return strings.HasPrefix(image, m.prefix)
}

// NewGate compiles the internal-namespace patterns once. Patterns without
// glob metacharacters are treated as plain prefixes, so "fleetyard/" covers
// everything under that namespace.
func NewGate(images store.Image, publisher *events.Publisher, internalNamespaces []string, log logrus.FieldLogger) *Gate {
	g := &Gate{
		images: images,
		events: publisher,
		log:    log,
	}
	for _, pattern := range internalNamespaces {
		if pattern == "" {
			continue
		}
		if !strings.ContainsAny(pattern, `*?[{\`) {
			g.namespaces = append(g.namespaces, namespaceMatcher{prefix: pattern})
			continue
		}
		compiled, err := glob.Compile(pattern)
		if err != nil {
			log.WithError(err).Warnf("skipping invalid internal namespace pattern %q", pattern)
			continue
		}
		g.namespaces = append(g.namespaces, namespaceMatcher{glob: compiled})
	}
	return g
}

// Decision carries the admission outcome and a human-readable reason for
// refusals.
type Decision struct {
	Result api.AdmissionResult
	Reason string
}

func (g *Gate) internal(image string) bool {
	for _, m := range g.namespaces {
		if m.match(image) {
			return true
		}
	}
	return false
}

// Admit evaluates the admission rules for one pushed (registry, image, tag).
// Unknown images get exactly one pending approval request; unknown tags of
// approved images are recorded on the fly.
func (g *Gate) Admit(ctx context.Context, registry, image, tag string) (Decision, error) {
	if g.internal(image) {
		return Decision{Result: api.AdmissionAdmit}, nil
	}

	img, err := g.images.GetByName(ctx, registry, image)
	if err != nil {
		if !errors.Is(err, fyerrors.ErrResourceNotFound) {
			return Decision{}, err
		}
		request, created, err := g.images.CreateApprovalRequest(ctx, image, tag)
		if err != nil {
			return Decision{}, err
		}
		if created {
			g.events.Publish(ctx, api.EventImageApprovalRequested, api.AggregateImage, image, request)
		}
		return Decision{
			Result: api.AdmissionPendingApproval,
			Reason: fmt.Sprintf("image %s is not registered; approval requested", image),
		}, nil
	}

	if img.Status != api.ImageApproved {
		return Decision{
			Result: api.AdmissionPendingApproval,
			Reason: fmt.Sprintf("image %s is %s, not approved", image, img.Status),
		}, nil
	}

	imageId, err := uuid.Parse(img.Id)
	if err != nil {
		return Decision{}, fmt.Errorf("image %s has malformed id %q: %w", image, img.Id, err)
	}
	imgTag, err := g.images.GetTag(ctx, imageId, tag)
	if err != nil {
		if !errors.Is(err, fyerrors.ErrResourceNotFound) {
			return Decision{}, err
		}
		if _, err := g.images.UpsertTag(ctx, imageId, tag); err != nil {
			return Decision{}, err
		}
		return Decision{Result: api.AdmissionAdmit}, nil
	}
	if imgTag.IsDeprecated {
		return Decision{
			Result: api.AdmissionDeprecated,
			Reason: fmt.Sprintf("tag %s:%s is deprecated", image, tag),
		}, nil
	}
	return Decision{Result: api.AdmissionAdmit}, nil
}
