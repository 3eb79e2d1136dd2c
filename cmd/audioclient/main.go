package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/exkrishan/rtaafin-sub011/internal/ingest"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms chunks; at 8kHz 16-bit mono that is 1600 bytes.
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/ingest", "Ingest websocket URL")
	callSID := flag.String("call", "test-call-"+time.Now().Format("150405"), "Call SID, used as the interaction id")
	accountSID := flag.String("account", "tenant-demo", "Account SID, used as the tenant id")
	realtime := flag.Bool("realtime", true, "Pace chunks at playback speed")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 || bitsPerSample != 16 || numChannels != 1 {
		log.Fatal("Only 16-bit mono PCM is supported")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	streamSID := uuid.NewString()
	send := func(msg ingest.Message) {
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("Failed to send %s event: %v", msg.Event, err)
		}
	}

	send(ingest.Message{Event: ingest.EventConnected})

	rate, _ := json.Marshal(strconv.Itoa(int(sampleRate)))
	send(ingest.Message{
		Event:     ingest.EventStart,
		StreamSID: streamSID,
		Start: &ingest.StartPayload{
			StreamSID:   streamSID,
			CallSID:     *callSID,
			AccountSID:  *accountSID,
			MediaFormat: ingest.MediaFormat{Encoding: "pcm16", SampleRate: rate},
		},
	})
	log.Printf("Streaming audio: callSid=%s accountSid=%s", *callSID, *accountSID)

	chunkSize := int(sampleRate) * 2 * chunkIntervalMs / 1000
	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, audioChunk)
		if n == 0 {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)
		offsetMs := chunkNum * chunkIntervalMs

		chunk, _ := json.Marshal(chunkNum)
		ts, _ := json.Marshal(strconv.Itoa(offsetMs))
		send(ingest.Message{
			Event:     ingest.EventMedia,
			StreamSID: streamSID,
			Media: &ingest.MediaPayload{
				Chunk:     chunk,
				Timestamp: ts,
				Payload:   base64.StdEncoding.EncodeToString(audioChunk[:n]),
			},
		})

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total, offset=%dms)", chunkNum, totalBytes, offsetMs)
		}
		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	send(ingest.Message{
		Event:     ingest.EventStop,
		StreamSID: streamSID,
		Stop:      &ingest.StopPayload{CallSID: *callSID, AccountSID: *accountSID, Reason: "completed"},
	})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	log.Printf("Stream completed: callSid=%s", *callSID)
}
