// Standalone mock of the three collaborator services and the conversation
// backend, for running the engine without real infrastructure:
//
//	go run test_collaborator_server.go
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

type transcribeResponse struct {
	Transcription string `json:"transcription"`
	Language      string `json:"language"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	language := r.FormValue("language")

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("ASR request: file=%s size=%d language=%s",
		header.Filename, len(audioData), language)

	time.Sleep(200 * time.Millisecond)

	if language == "" {
		language = "zh"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcribeResponse{
		Transcription: "請問 A12 攤位在哪裡",
		Language:      language,
	})
}

func chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	log.Printf("Generation request: messages=%d prompt=%q conversation=%s",
		len(req.Messages), prompt, req.ConversationID)

	time.Sleep(300 * time.Millisecond)

	resp := chatResponse{ConversationID: req.ConversationID}
	if resp.ConversationID == "" {
		resp.ConversationID = fmt.Sprintf("conv-%d", time.Now().UnixMilli())
	}
	resp.Choices = make([]struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}, 1)
	resp.Choices[0].Message.Role = "assistant"
	resp.Choices[0].Message.Content = "A12 攤位在東側入口附近，沿主走道直走即可抵達。"

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func synthesizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Text string `json:"text"`
		Lang string `json:"lang"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	log.Printf("TTS request: lang=%s text=%q", req.Lang, req.Text)

	time.Sleep(250 * time.Millisecond)

	// One second of silence as a placeholder reply
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(silentWAV(16000, 1))
}

func voicesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode([]map[string]string{
		{"id": "female-1", "name": "Mock Female", "language": "zh-tw"},
		{"id": "male-1", "name": "Mock Male", "language": "zh-tw"},
	})
}

func conversationsHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/conversations")
	id = strings.TrimPrefix(id, "/")

	w.Header().Set("Content-Type", "application/json")

	if id == "" {
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []map[string]any{
				{"id": "conv-demo", "title": "Demo conversation", "message_count": 2},
			},
			"total": 1,
			"more":  false,
		})
		return
	}

	if r.Method == http.MethodDelete {
		log.Printf("Delete conversation: %s", id)
		json.NewEncoder(w).Encode(map[string]any{"deleted": id})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"conversation": map[string]any{"id": id, "title": "Demo conversation", "message_count": 2},
		"messages": []map[string]any{
			{"id": "m1", "role": "user", "text": "你好"},
			{"id": "m2", "role": "assistant", "text": "您好，請問需要什麼協助？"},
		},
		"total": 2,
		"more":  false,
	})
}

// silentWAV builds a PCM16 mono WAV of the given length in seconds
func silentWAV(sampleRate, seconds int) []byte {
	dataLen := sampleRate * seconds * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	return buf
}

func main() {
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.HandleFunc("/api/v1/transcribe", transcribeHandler)
	http.HandleFunc("/v1/chat/completions", chatHandler)
	http.HandleFunc("/api/v1/synthesize", synthesizeHandler)
	http.HandleFunc("/api/v1/voices", voicesHandler)
	http.HandleFunc("/conversations", conversationsHandler)
	http.HandleFunc("/conversations/", conversationsHandler)

	port := ":9000"
	log.Printf("Mock collaborator server starting on %s", port)
	log.Printf("Point every collaborator endpoint at http://localhost%s", port)

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
