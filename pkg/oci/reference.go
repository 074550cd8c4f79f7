package oci

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

const DefaultTag = "latest"

// Reference names an image within a registry.
type Reference struct {
	Repository string
	Tag        string
}

func (r Reference) String() string {
	return r.Repository + ":" + r.Tag
}

// ParseContainer resolves container (name[:tag]) against an OBS style
// project and repository, e.g. project "home:user:sub", repo "images" and
// container "foo:3" give "home/user/sub/images/foo" tag "3".
func ParseContainer(project, repo, container string) (Reference, error) {
	if container == "" {
		return Reference{}, fmt.Errorf("parse container: empty name: %w", errdefs.ErrInvalidArgument)
	}

	image, tag := container, DefaultTag
	if i := strings.LastIndex(container, ":"); i >= 0 {
		image, tag = container[:i], container[i+1:]
		if image == "" || tag == "" {
			return Reference{}, fmt.Errorf("parse container %q: %w", container, errdefs.ErrInvalidArgument)
		}
	}

	var parts []string
	if project != "" {
		parts = append(parts, strings.ReplaceAll(project, ":", "/"))
	}
	if repo != "" {
		parts = append(parts, repo)
	}
	parts = append(parts, image)

	return Reference{
		Repository: strings.ToLower(strings.Join(parts, "/")),
		Tag:        tag,
	}, nil
}
