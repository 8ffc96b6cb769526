package proxmoxops

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
)

const (
	defaultISOStorage = "local"
	defaultISOLabel   = "cidata"
	defaultCDROMSlot  = "ide2"
	isoBuildTimeout   = 5 * time.Minute
)

var (
	storageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	isoNamePattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.iso$`)
	isoFilePattern     = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+)*$`)
	volumeLabelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	cdromSlotPattern   = regexp.MustCompile(`^(ide|sata|scsi)[0-9]+$`)
)

// ISOResult identifies a built ISO.
type ISOResult struct {
	Storage string `json:"storage"`
	Name    string `json:"iso_name"`
	VolID   string `json:"volid"`
	Path    string `json:"path"`
	Files   int    `json:"files"`
}

// CDROMResult reports a CD-ROM slot change.
type CDROMResult struct {
	Node       string `json:"node"`
	VMID       int    `json:"vmid"`
	Slot       string `json:"slot"`
	VolID      string `json:"volid,omitempty"`
	Attached   bool   `json:"attached"`
	ISODeleted bool   `json:"iso_deleted,omitempty"`
}

type isoFile struct {
	name    string
	content string // base64
}

func (d *Dispatcher) isoRoutes() []route {
	return []route{
		{match: exact("create-provision-iso"), handle: d.createProvisionISO},
		{match: exact("attach-cdrom"), handle: d.attachCDROM},
		{match: exact("detach-cdrom"), handle: d.detachCDROM},
	}
}

// isoStorageDir maps a Proxmox storage id to its ISO directory.
func isoStorageDir(storage string) string {
	if storage == defaultISOStorage {
		return "/var/lib/vz/template/iso"
	}
	return "/mnt/pve/" + storage + "/template/iso"
}

// parseISOFiles accepts {"name": "<base64>"} or [{"name"|"path", "content"}].
func parseISOFiles(raw any) ([]isoFile, error) {
	var files []isoFile
	switch v := raw.(type) {
	case map[string]any:
		for name, content := range v {
			s, ok := content.(string)
			if !ok {
				return nil, fmt.Errorf("file %q content must be a base64 string", name)
			}
			files = append(files, isoFile{name: name, content: s})
		}
	case []any:
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("files[%d] must be an object", i)
			}
			name, _ := m["name"].(string)
			if name == "" {
				name, _ = m["path"].(string)
			}
			content, _ := m["content"].(string)
			files = append(files, isoFile{name: name, content: content})
		}
	default:
		return nil, fmt.Errorf("create-provision-iso requires files")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("create-provision-iso requires at least one file")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	for _, f := range files {
		clean := path.Clean(f.name)
		if clean != f.name || !isoFilePattern.MatchString(f.name) || strings.Contains(f.name, "..") {
			return nil, fmt.Errorf("invalid file name %q", f.name)
		}
		if _, err := base64.StdEncoding.DecodeString(f.content); err != nil {
			return nil, fmt.Errorf("file %q is not valid base64: %w", f.name, err)
		}
	}
	return files, nil
}

// buildISOScript stages files in a temp dir, builds the ISO with the first
// available tool and moves it into the storage's ISO directory.
func buildISOScript(files []isoFile, label, targetDir, isoName, marker string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("umask 022\n")
	b.WriteString("work=$(mktemp -d /tmp/pulse-iso.XXXXXX)\n")
	b.WriteString("trap 'rm -rf \"$work\"' EXIT\n")
	b.WriteString("mkdir -p \"$work/root\"\n")

	for _, f := range files {
		target := "\"$work/root\"/" + shellQuote(f.name)
		if dir := path.Dir(f.name); dir != "." {
			fmt.Fprintf(&b, "mkdir -p \"$work/root\"/%s\n", shellQuote(dir))
		}
		fmt.Fprintf(&b, "base64 -d > %s <<'%s'\n%s\n%s\n", target, marker, f.content, marker)
	}

	b.WriteString("if command -v genisoimage >/dev/null 2>&1; then tool=genisoimage\n")
	b.WriteString("elif command -v mkisofs >/dev/null 2>&1; then tool=mkisofs\n")
	b.WriteString("else echo 'ISO_TOOL_MISSING: genisoimage or mkisofs is required' >&2; exit 127\nfi\n")
	fmt.Fprintf(&b, "\"$tool\" -quiet -output \"$work/out.iso\" -volid %s -joliet -rock \"$work/root\"\n", shellQuote(label))
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(targetDir))
	fmt.Fprintf(&b, "mv -f \"$work/out.iso\" %s\n", shellQuote(targetDir+"/"+isoName))
	return b.String()
}

func (d *Dispatcher) createProvisionISO(ctx context.Context, ac *ActionContext) (any, error) {
	files, err := parseISOFiles(ac.Payload["files"])
	if err != nil {
		return nil, err
	}

	storage := ac.String("storage")
	if storage == "" {
		storage = defaultISOStorage
	}
	if !storageNamePattern.MatchString(storage) {
		return nil, fmt.Errorf("invalid storage %q", storage)
	}

	isoName := ac.String("iso_name")
	if isoName == "" {
		if ac.VMID > 0 {
			isoName = fmt.Sprintf("pulse-provision-%d.iso", ac.VMID)
		} else {
			isoName = fmt.Sprintf("pulse-provision-%d.iso", d.now().Unix())
		}
	}
	if !isoNamePattern.MatchString(isoName) {
		return nil, fmt.Errorf("invalid iso_name %q", isoName)
	}

	label := ac.String("volume_label")
	if label == "" {
		label = defaultISOLabel
	}
	if !volumeLabelPattern.MatchString(label) {
		return nil, fmt.Errorf("invalid volume_label %q", label)
	}

	var all strings.Builder
	for _, f := range files {
		all.WriteString(f.content)
	}
	marker, err := heredocMarker(all.String())
	if err != nil {
		return nil, err
	}

	dir := isoStorageDir(storage)
	script := buildISOScript(files, label, dir, isoName, marker)
	if _, err := d.runSSH(ctx, sshexec.Command{Command: script, Timeout: isoBuildTimeout}, "ISO_BUILD_FAILED"); err != nil {
		return nil, err
	}

	return ISOResult{
		Storage: storage,
		Name:    isoName,
		VolID:   storage + ":iso/" + isoName,
		Path:    dir + "/" + isoName,
		Files:   len(files),
	}, nil
}

// isoVolID resolves the payload's iso reference to a volume id.
func isoVolID(ac *ActionContext) (string, error) {
	if iso := ac.String("iso"); iso != "" {
		if strings.Contains(iso, ":") {
			return iso, nil
		}
		if !isoNamePattern.MatchString(iso) {
			return "", fmt.Errorf("invalid iso %q", iso)
		}
		return isoStorage(ac, iso)
	}
	if name := ac.String("iso_name"); name != "" {
		if !isoNamePattern.MatchString(name) {
			return "", fmt.Errorf("invalid iso_name %q", name)
		}
		return isoStorage(ac, name)
	}
	return "", fmt.Errorf("%s requires iso", ac.Action)
}

func isoStorage(ac *ActionContext, name string) (string, error) {
	storage := ac.String("storage")
	if storage == "" {
		storage = defaultISOStorage
	}
	if !storageNamePattern.MatchString(storage) {
		return "", fmt.Errorf("invalid storage %q", storage)
	}
	return storage + ":iso/" + name, nil
}

func cdromSlot(ac *ActionContext) (string, error) {
	slot := ac.String("slot")
	if slot == "" {
		slot = defaultCDROMSlot
	}
	if !cdromSlotPattern.MatchString(slot) {
		return "", fmt.Errorf("invalid cdrom slot %q", slot)
	}
	return slot, nil
}

func (d *Dispatcher) attachCDROM(ctx context.Context, ac *ActionContext) (any, error) {
	volid, err := isoVolID(ac)
	if err != nil {
		return nil, err
	}
	slot, err := cdromSlot(ac)
	if err != nil {
		return nil, err
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	configPath, err := ac.vmPath("/config")
	if err != nil {
		return nil, err
	}

	if _, err := client.Request(ctx, http.MethodPut, configPath, map[string]any{slot: volid + ",media=cdrom"}); err != nil {
		return nil, err
	}
	return CDROMResult{Node: ac.Node, VMID: ac.VMID, Slot: slot, VolID: volid, Attached: true}, nil
}

func (d *Dispatcher) detachCDROM(ctx context.Context, ac *ActionContext) (any, error) {
	slot, err := cdromSlot(ac)
	if err != nil {
		return nil, err
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	configPath, err := ac.vmPath("/config")
	if err != nil {
		return nil, err
	}
	deleteISO, _ := ac.Bool("delete_iso")

	volid, _ := isoVolID(ac)
	if deleteISO && volid == "" {
		data, err := client.Request(ctx, http.MethodGet, configPath, nil)
		if err != nil {
			return nil, err
		}
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err == nil {
			if current, ok := cfg[slot].(string); ok {
				volid = volumeFromDrive(current)
			}
		}
	}

	if _, err := client.Request(ctx, http.MethodPut, configPath, map[string]any{slot: "none,media=cdrom"}); err != nil {
		return nil, err
	}
	result := CDROMResult{Node: ac.Node, VMID: ac.VMID, Slot: slot, VolID: volid}

	if deleteISO && volid != "" {
		storage, _, _ := strings.Cut(volid, ":")
		contentPath := fmt.Sprintf("/nodes/%s/storage/%s/content/%s", ac.Node, url.PathEscape(storage), url.PathEscape(volid))
		if _, err := client.Request(ctx, http.MethodDelete, contentPath, nil); err != nil {
			d.logger.Warn().Err(err).Str("volid", volid).Msg("Failed to delete detached ISO")
		} else {
			result.ISODeleted = true
		}
	}
	return result, nil
}

// volumeFromDrive extracts the volume id from "local:iso/x.iso,media=cdrom".
func volumeFromDrive(drive string) string {
	volume, _, _ := strings.Cut(drive, ",")
	if volume == "" || volume == "none" || volume == "cdrom" || !strings.Contains(volume, ":") {
		return ""
	}
	return volume
}
