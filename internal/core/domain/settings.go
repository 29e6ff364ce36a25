package domain

import "strings"

const (
	ImagePathConcat   = "concat"
	ImagePathFullPath = "full_path"

	ColumnOriginObjectKey = "origin_object_key"
	ColumnLocalPicURL     = "local_pic_url"
)

// ImagePathSettings decides how a source row is turned into a readable
// image path.
type ImagePathSettings struct {
	Mode          string
	BasePath      string
	PathField     string
	FullPathField string
}

// JoinBase prefixes value with the base path, adding a separator when the
// base does not end with one.
func (s ImagePathSettings) JoinBase(value string) string {
	base := s.BasePath
	if base != "" && !strings.HasSuffix(base, "/") && !strings.HasSuffix(base, `\`) {
		base += "/"
	}
	return base + value
}
