package usecase

import (
	"sort"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// FilterDocument projects doc onto the selected image ids. Annotations
// follow their surviving images and categories are kept as they are. An
// empty selection returns doc unchanged.
func FilterDocument(doc domain.COCODocument, selected map[int]struct{}) domain.COCODocument {
	if len(selected) == 0 {
		return doc
	}

	out := domain.COCODocument{
		Images:      make([]domain.COCOImage, 0, len(selected)),
		Categories:  doc.Categories,
		Annotations: make([]domain.COCOAnnotation, 0),
	}

	surviving := make(map[int]struct{}, len(selected))
	for _, img := range doc.Images {
		if _, ok := selected[img.ID]; !ok {
			continue
		}
		out.Images = append(out.Images, img)
		surviving[img.ID] = struct{}{}
	}
	for _, ann := range doc.Annotations {
		if _, ok := surviving[ann.ImageID]; ok {
			out.Annotations = append(out.Annotations, ann)
		}
	}
	return out
}

// SelectionSet dedupes caller supplied ids.
func SelectionSet(ids []int) map[int]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// ImageFilenamesByIndex maps row ordinals of a task table to the base name
// of their copied image file.
func ImageFilenamesByIndex(table domain.Table) map[int]string {
	out := make(map[int]string, table.Len())
	for idx, rec := range table.Rows {
		v := rec.Get(domain.ColumnImgPath)
		if domain.IsNull(v) {
			continue
		}
		name := domain.BaseName(domain.FormatValue(v))
		if name == "" {
			continue
		}
		out[idx] = name
	}
	return out
}

// selectedImageFiles resolves the files for the images left in doc, in id
// order, without duplicates. Unresolvable ids are dropped.
func selectedImageFiles(doc domain.COCODocument, byIndex map[int]string) []string {
	ids := make([]int, 0, len(doc.Images))
	for _, img := range doc.Images {
		ids = append(ids, img.ID)
	}
	sort.Ints(ids)

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name, ok := byIndex[id]
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
