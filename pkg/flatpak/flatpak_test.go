package flatpak

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/command"
)

func TestClientCommandLines(t *testing.T) {
	tests := []struct {
		name string
		user bool
		want []string
	}{
		{
			name: "system installation",
			want: []string{
				"flatpak remote-add --if-not-exists --no-gpg-verify oci-tools /var/lib/flatpak-oci-tools/repo",
				"flatpak install --assumeyes oci-tools runtime/org.openSUSE.Platform.Foo/x86_64/3",
			},
		},
		{
			name: "user installation",
			user: true,
			want: []string{
				"flatpak --user remote-add --if-not-exists --no-gpg-verify oci-tools /var/lib/flatpak-oci-tools/repo",
				"flatpak --user install --assumeyes oci-tools runtime/org.openSUSE.Platform.Foo/x86_64/3",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &command.Recorder{}
			c := NewClient(rec, tt.user, nil)

			require.NoError(t, c.AddRemote(context.Background(), "oci-tools", "/var/lib/flatpak-oci-tools/repo"))
			require.NoError(t, c.Install(context.Background(), "oci-tools", "runtime/org.openSUSE.Platform.Foo/x86_64/3"))
			assert.Equal(t, tt.want, rec.Lines())
		})
	}
}

func TestClientInstallFailure(t *testing.T) {
	rec := &command.Recorder{Fail: map[int]bool{0: true}}
	err := NewClient(rec, false, nil).Install(context.Background(), "oci-tools", "app/x/x86_64/master")

	var exitErr *command.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "install app/x/x86_64/master")
}

func TestBuilderRunsInAppDir(t *testing.T) {
	rec := &command.Recorder{}
	b := NewBuilder(rec, nil)

	require.NoError(t, b.Build(context.Background(), "/tmp/ctx/app", "org.openSUSE.App.Foo.yaml", "/srv/repo"))

	require.Len(t, rec.Calls, 1)
	assert.Equal(t, "flatpak-builder --repo /srv/repo build org.openSUSE.App.Foo.yaml", rec.Calls[0].String())
	assert.Equal(t, "/tmp/ctx/app", rec.Calls[0].Dir)
}
