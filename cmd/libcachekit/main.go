// Command libcachekit builds the stable C ABI surface of spec.md §4.1: a
// c-shared/c-archive library fronting the native memory engine so foreign
// runtimes (PHP, Python, Node, ...) can drive the same in-process cache this
// module exposes natively. Build with:
//
//	go build -buildmode=c-shared -o libcachekit.so ./cmd/libcachekit
//
// No example repo in the retrieval pack uses cgo, so the export surface
// below follows the conventions cgo itself documents (exported functions in
// package main, C-owned strings freed via an explicit free_string, boolean
// failure values rather than panics crossing the ABI boundary) rather than
// being grounded on a pack file; see DESIGN.md.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/redis/go-redis/v9"

	"github.com/stumble/cachekit/memengine"
)

const versionString = "1.0.0"

var (
	engineOnce sync.Once
	engine     *memengine.Engine
)

func get() *memengine.Engine {
	engineOnce.Do(func() {
		engine = memengine.New()
	})
	return engine
}

//export free_string
func free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export version
func version() *C.char {
	return C.CString(versionString)
}

//export memory_set
func memory_set(key, value *C.char, ttl C.uint64_t) (ok C.bool) {
	result := true
	defer recoverToFalseBool(&result)
	err := get().Set(context.Background(), C.GoString(key), []byte(C.GoString(value)), time.Duration(ttl)*time.Second)
	if err != nil {
		result = false
	}
	return C.bool(result)
}

//export memory_get
func memory_get(key *C.char) *C.char {
	defer func() { recover() }()
	v, ok, err := get().Get(context.Background(), C.GoString(key))
	if err != nil || !ok {
		return nil
	}
	return C.CString(string(v))
}

//export memory_delete
func memory_delete(key *C.char) (ok C.bool) {
	result := true
	defer recoverToFalseBool(&result)
	existed, err := get().Delete(context.Background(), C.GoString(key))
	if err != nil {
		return C.bool(false)
	}
	return C.bool(existed)
}

//export memory_clear
func memory_clear() (ok C.bool) {
	result := true
	defer recoverToFalseBool(&result)
	if err := get().Clear(context.Background()); err != nil {
		result = false
	}
	return C.bool(result)
}

//export memory_exists
func memory_exists(key *C.char) (ok C.bool) {
	result := false
	defer recoverToFalseBool(&result)
	exists, err := get().Exists(context.Background(), C.GoString(key))
	if err == nil {
		result = exists
	}
	return C.bool(result)
}

//export memory_cleanup
func memory_cleanup() C.uint64_t {
	defer func() { recover() }()
	n, err := get().Cleanup(context.Background())
	if err != nil {
		return 0
	}
	return C.uint64_t(n)
}

//export memory_count
func memory_count() C.uint64_t {
	defer func() { recover() }()
	n, err := get().Count(context.Background())
	if err != nil {
		return 0
	}
	return C.uint64_t(n)
}

//export memory_set_multiple
func memory_set_multiple(keys, values **C.char, ttls *C.uint64_t, n C.size_t) C.uint64_t {
	defer func() { recover() }()
	count := int(n)
	keySlice := unsafe.Slice(keys, count)
	valSlice := unsafe.Slice(values, count)
	ttlSlice := unsafe.Slice(ttls, count)

	entries := make(map[string][]byte, count)
	// set_multiple applies one ttl per call in enginecore.Engine; since the
	// ABI allows a distinct ttl per key, dispatch per-key when ttls differ
	// and batch when they don't, to keep the common case (one shared ttl)
	// a single call.
	uniform := true
	for i := 1; i < count; i++ {
		if ttlSlice[i] != ttlSlice[0] {
			uniform = false
			break
		}
	}
	if uniform && count > 0 {
		for i := 0; i < count; i++ {
			entries[C.GoString(keySlice[i])] = []byte(C.GoString(valSlice[i]))
		}
		stored, err := get().SetMultiple(context.Background(), entries, time.Duration(ttlSlice[0])*time.Second)
		if err != nil {
			return 0
		}
		return C.uint64_t(stored)
	}
	var stored uint64
	for i := 0; i < count; i++ {
		err := get().Set(context.Background(), C.GoString(keySlice[i]), []byte(C.GoString(valSlice[i])), time.Duration(ttlSlice[i])*time.Second)
		if err == nil {
			stored++
		}
	}
	return C.uint64_t(stored)
}

//export memory_get_multiple
func memory_get_multiple(keys **C.char, n C.size_t) *C.char {
	defer func() { recover() }()
	count := int(n)
	keySlice := unsafe.Slice(keys, count)
	goKeys := make([]string, count)
	for i := range goKeys {
		goKeys[i] = C.GoString(keySlice[i])
	}
	found, err := get().GetMultiple(context.Background(), goKeys)
	if err != nil {
		found = map[string][]byte{}
	}
	// JSON object {k: v|null}, preserving request order isn't meaningful
	// for a JSON object's key ordering, but every requested key is present
	// per §6's ABI contract.
	out := make(map[string]*string, count)
	for _, k := range goKeys {
		if v, ok := found[k]; ok {
			s := string(v)
			out[k] = &s
		} else {
			out[k] = nil
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return C.CString(string(b))
}

//export redis_ping
func redis_ping(host *C.char, port C.uint16_t) (ok C.bool) {
	result := false
	defer recoverToFalseBool(&result)
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", C.GoString(host), uint16(port))})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result = client.Ping(ctx).Err() == nil
	return C.bool(result)
}

// compress_lz4/decompress_lz4 keep the spec's mandated symbol names (the
// original PHP extension's LZ4 binding) but are backed by
// github.com/klauspost/compress/s2, already in the dependency stack and
// free of cgo of its own; see DESIGN.md for why no real LZ4 binding is used.

//export compress_lz4
func compress_lz4(data *C.char, outSize *C.size_t) *C.char {
	defer func() { recover() }()
	in := C.GoBytes(unsafe.Pointer(data), C.int(*outSize))
	compressed := s2.Encode(nil, in)
	*outSize = C.size_t(len(compressed))
	return (*C.char)(C.CBytes(compressed))
}

//export decompress_lz4
func decompress_lz4(data *C.char) *C.char {
	defer func() { recover() }()
	// The ABI is declared bit-stable with a single null-terminated input
	// (§4.1/spec.md:77), so the compressed buffer's length is recovered via
	// strlen rather than an explicit size. Compressed payloads containing an
	// embedded NUL byte truncate here; see DESIGN.md.
	in := C.GoBytes(unsafe.Pointer(data), C.int(C.strlen(data)))
	decompressed, err := s2.Decode(nil, in)
	if err != nil {
		return nil
	}
	return C.CString(string(decompressed))
}

//export benchmark_memory
func benchmark_memory(operations C.uint64_t) C.double {
	defer func() { recover() }()
	n := int(operations)
	if n <= 0 {
		return 0
	}
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("bench-%d", i)
		_ = get().Set(ctx, key, []byte("v"), time.Minute)
		_, _, _ = get().Get(ctx, key)
		_, _ = get().Delete(ctx, key)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return C.double(float64(3*n) / elapsed)
}

// recoverToFalseBool converts any internal panic into the documented
// failure value for bool-returning exports, per §4.1: no fault may
// propagate across the ABI boundary.
func recoverToFalseBool(ok *bool) {
	if r := recover(); r != nil {
		*ok = false
	}
}

func main() {}
