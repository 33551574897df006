// Package compress provides compression and decompression codecs for
// on-disk page payloads.
//
// Compression is applied to each chunk body a page holds, after the chunk
// has already been delta/Gorilla/RLE-encoded: this package is a second,
// byte-oriented pass that trades CPU for disk space on top of whatever the
// chunk encoding already achieved.
//
// # Supported algorithms
//
//   - None: no compression (fastest, largest)
//   - Zstd: best compression ratio, moderate speed
//   - S2: balanced compression and speed
//   - LZ4: fast decompression, moderate compression
//
// # Architecture
//
//	type Compressor interface {
//	    Compress(data []byte) ([]byte, error)
//	}
//
//	type Decompressor interface {
//	    Decompress(data []byte) ([]byte, error)
//	}
//
//	type Codec interface {
//	    Compressor
//	    Decompressor
//	}
//
// CreateCodec picks an implementation from a format.CompressionType. Pages
// do not record which type they were written with: the page manager is
// given the type from the engine settings and uses it for both writing and
// reading.
//
// # Choosing an algorithm
//
// | Workload             | Recommended | Reason                         |
// |----------------------|-------------|---------------------------------|
// | Storage-constrained  | Zstd        | Best compression ratio          |
// | Ingestion-heavy      | S2 or LZ4   | Low latency per page            |
// | Query-heavy          | LZ4         | Fastest decompression           |
// | CPU-constrained      | None        | No compression overhead         |
//
// # Thread safety
//
// Codec implementations are safe for concurrent use.
package compress
