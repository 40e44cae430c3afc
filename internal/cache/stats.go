package cache

// Stats summarizes a store.
type Stats struct {
	Namespaces       []NamespaceStats `json:"namespaces"`
	EntryCount       int              `json:"entry_count"`
	CurrentSize      int64            `json:"current_size_bytes"`
	CompressionRatio float64          `json:"compression_ratio"`
}

// NamespaceStats summarizes one namespace.
type NamespaceStats struct {
	Name        string `json:"name"`
	EntryCount  int    `json:"entry_count"`
	CurrentSize int64  `json:"current_size_bytes"`
}

type statsBuilder struct {
	stats               Stats
	totalOriginalSize   int64
	totalCompressedSize int64
}

func (b *statsBuilder) add(ns *NamespaceStats, entry *Entry) {
	ns.EntryCount++
	b.stats.EntryCount++

	size := entry.Size
	if entry.IsCompressed {
		b.totalOriginalSize += entry.Size
		b.totalCompressedSize += entry.CompressedSize
		size += entry.CompressedSize
	}
	ns.CurrentSize += size
	b.stats.CurrentSize += size
}

func (b *statsBuilder) result() Stats {
	if b.totalOriginalSize > 0 {
		b.stats.CompressionRatio = float64(b.totalCompressedSize) / float64(b.totalOriginalSize)
	}
	if b.stats.Namespaces == nil {
		b.stats.Namespaces = []NamespaceStats{}
	}
	return b.stats
}
