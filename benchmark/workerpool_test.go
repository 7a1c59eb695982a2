package main

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	cryptoRand "crypto/rand"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/Jeffail/tunny"
	"github.com/alitto/pond"
	wp_gammazero "github.com/gammazero/workerpool"
	wp_ants "github.com/panjf2000/ants/v2"

	"github.com/nordlight-systems/shardpool"
)

var wg sync.WaitGroup

var aesKey = []byte("0123456789ABCDEF")
var oneKiloByte = []byte(strings.Repeat("a", 1024))

var runs = []int{10, 100, 500, 1000}

func taskHandler(_ net.Conn) {
	_, _ = encryptCBC(oneKiloByte, aesKey)
	wg.Done()
}

func BenchmarkGoRoutineWithoutWorkerpool(b *testing.B) {
	runtime.GC()
	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("%4d", parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := new(net.TCPConn)
					go taskHandler(c)
				}
			})
		})
	}

	wg.Wait()
}

func BenchmarkAntsWorkerpool(b *testing.B) {
	runtime.GC()

	wp, _ := wp_ants.NewPoolWithFunc(10000000, func(task interface{}) {
		taskHandler(task.(net.Conn))
	}, wp_ants.WithPreAlloc(false))

	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("%4d", parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := new(net.TCPConn)
					_ = wp.Invoke(c)
				}
			})
		})
	}

	wg.Wait()

	b.StopTimer()
	wp.Release()
}

func BenchmarkGammazeroWorkerpool(b *testing.B) {
	runtime.GC()

	wp := wp_gammazero.New(10000000)

	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("%4d", parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := new(net.TCPConn)
					wp.Submit(func() {
						taskHandler(c)
					})
				}
			})
		})
	}

	wg.Wait()

	b.StopTimer()
	wp.Stop()
}

func BenchmarkTunnyWorkerpool(b *testing.B) {
	runtime.GC()

	pool := tunny.NewFunc(runtime.GOMAXPROCS(0), func(payload interface{}) interface{} {
		taskHandler(payload.(net.Conn))
		return nil
	})
	defer pool.Close()

	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("%4d", parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := new(net.TCPConn)
					pool.Process(c)
				}
			})
		})
	}

	wg.Wait()
}

func BenchmarkPondWorkerpool(b *testing.B) {
	runtime.GC()

	pool := pond.New(10000, 100000)
	defer pool.StopAndWait()

	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("%4d", parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := new(net.TCPConn)
					pool.Submit(func() {
						taskHandler(c)
					})
				}
			})
		})
	}

	wg.Wait()
}

// BenchmarkShardpoolWorkerpool exercises the pool this repository builds,
// standing in for the upstream ultrapool benchmark case this file was
// adapted from.
func BenchmarkShardpoolWorkerpool(b *testing.B) {
	runtime.GC()

	shards := runtime.GOMAXPROCS(0)
	wp, err := shardpool.NewPool(shards*4,
		shardpool.WithCoreWorkers(shards),
		shardpool.WithShards(nextPowerOfTwo(shards)),
	)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()

	for _, parallelism := range runs {
		b.Run(fmt.Sprintf("[%d]-%4d", shards, parallelism), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(parallelism)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					wg.Add(1)
					c := net.Conn(new(net.TCPConn))
					_, err := shardpool.Submit(wp, func() (struct{}, error) {
						taskHandler(c)
						return struct{}{}, nil
					})
					if err != nil {
						b.Fatal(err)
					}
				}
			})
		})
	}

	wg.Wait()

	b.StopTimer()
	wp.Close()
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// Encrypts given plain text with AES-CBC and returns the cipher text
// prepended with the IV (AES-128, AES-192 or AES-256 depending on the
// length of the key)
func encryptCBC(plainText, key []byte) (cipherText []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plainText = pad(aes.BlockSize, plainText)

	cipherText = make([]byte, aes.BlockSize+len(plainText))
	iv := cipherText[:aes.BlockSize]
	_, err = io.ReadFull(cryptoRand.Reader, iv)
	if err != nil {
		return nil, err
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(cipherText[aes.BlockSize:], plainText)

	return cipherText, nil
}

// Adds PKCS#7 padding (variable block length <= 255 bytes)
func pad(blockSize int, buf []byte) []byte {
	padLen := blockSize - (len(buf) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(buf, padding...)
}
