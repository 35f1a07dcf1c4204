package history

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"liqmap/pkg/types"
)

// compressionMarker tags compressed cluster blobs. Values without the
// tag are treated as plain JSON, which is what rows written before the
// compression rollout contain.
const compressionMarker = "ZLIB:"

// clusterDoc is the document stored in the clusters_blob column.
type clusterDoc struct {
	Long  []types.LiquidationCluster `json:"long"`
	Short []types.LiquidationCluster `json:"short"`
}

// compressClusters encodes a cluster document as
// "ZLIB:" + base64(zlib(compact JSON)). Level 6 trades roughly 70%
// of the size for negligible CPU.
func compressClusters(doc clusterDoc) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal clusters: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, 6)
	if err != nil {
		return "", fmt.Errorf("init zlib writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress clusters: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush zlib writer: %w", err)
	}

	return compressionMarker + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decompressClusters decodes a clusters_blob value, branching on the
// compression tag. Untagged values parse as plain JSON.
func decompressClusters(blob string) (clusterDoc, error) {
	var doc clusterDoc

	if strings.HasPrefix(blob, compressionMarker) {
		compressed, err := base64.StdEncoding.DecodeString(blob[len(compressionMarker):])
		if err != nil {
			return doc, fmt.Errorf("decode cluster blob base64: %w", err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return doc, fmt.Errorf("open cluster blob: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return doc, fmt.Errorf("decompress cluster blob: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return doc, fmt.Errorf("unmarshal cluster blob: %w", err)
		}
		return doc, nil
	}

	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return doc, fmt.Errorf("unmarshal legacy cluster blob: %w", err)
	}
	return doc, nil
}
