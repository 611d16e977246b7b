package build

// bootstrapTemplate renders bin/main.dart. It uses <% %> delimiters so Dart
// map literals never collide with template actions.
const bootstrapTemplate = `// Generated entry point for <% .ClassName %> (<% .SourcePath %>). Do not edit.
<% range .Library %><% . %>
<% end %>import 'dart:convert' as faas_convert;
import 'dart:io' as faas_io;

import '<% .RuntimeImport %>';
<% range .Imports %>import '<% . %>';
<% end %><% range .Directives %><% . %>
<% end %>
Future<void> main() async {
  final logger = FunctionLogger();
  var status = 0;
  try {
    final config = parseEnvConfig(await _readOr('/.env.config', ''));
    final decoded = faas_convert.jsonDecode(await faas_io.File('/request.json').readAsString());
    final request = FunctionRequest.fromJson(decoded as Map<String, dynamic>, config);
    final timeoutMs = int.tryParse(config['FAAS_TIMEOUT_MS'] ?? '') ?? 0;

    var pending = Future<Object?>.sync(() => <% .ClassName %>().handle(request, logger));
    if (timeoutMs > 0) {
      pending = pending.timeout(Duration(milliseconds: timeoutMs));
    }
    final value = await pending;
    final response = value is FunctionResponse ? value : FunctionResponse(body: value);
    await faas_io.File('/result.json').writeAsString(faas_convert.jsonEncode(response.toJson()));
  } catch (e, st) {
    status = 1;
    logger.error(e.toString(), <String, dynamic>{'stackTrace': st.toString()});
    final failure = FunctionResponse(statusCode: 500, body: <String, dynamic>{'error': e.toString()});
    await faas_io.File('/result.json').writeAsString(faas_convert.jsonEncode(failure.toJson()));
  } finally {
    await faas_io.File('/logs.json').writeAsString(faas_convert.jsonEncode(logger.toJson()));
  }
  faas_io.exitCode = status;
}

Future<String> _readOr(String path, String fallback) async {
  final file = faas_io.File(path);
  if (!await file.exists()) {
    return fallback;
  }
  return file.readAsString();
}
<% range .Declarations %>
<% . %>
<% end %>`

// runtimeLibrary is written to lib/faas_runtime.dart in every build context.
const runtimeLibrary = `// Generated runtime support library. Do not edit.
library faas_runtime;

/// Marks the class the platform invokes.
class CloudFunction {
  const CloudFunction();
}

/// The request a function is invoked with.
class FunctionRequest {
  FunctionRequest({
    required this.method,
    required this.path,
    required this.headers,
    required this.query,
    this.body,
    this.config = const <String, String>{},
  });

  factory FunctionRequest.fromJson(Map<String, dynamic> json, [Map<String, String> config = const <String, String>{}]) {
    return FunctionRequest(
      method: (json['method'] ?? 'POST').toString(),
      path: (json['path'] ?? '/').toString(),
      headers: _stringMap(json['headers']),
      query: _stringMap(json['query']),
      body: json['body'],
      config: config,
    );
  }

  final String method;
  final String path;
  final Map<String, String> headers;
  final Map<String, String> query;
  final dynamic body;
  final Map<String, String> config;
}

/// A response with an explicit status code and headers. Handlers may also
/// return any JSON encodable value, which becomes the body of a 200 response.
class FunctionResponse {
  FunctionResponse({this.statusCode = 200, Map<String, String>? headers, this.body})
      : headers = headers ?? <String, String>{};

  final int statusCode;
  final Map<String, String> headers;
  final Object? body;

  Map<String, dynamic> toJson() => <String, dynamic>{
        'statusCode': statusCode,
        'headers': headers,
        'body': body,
      };
}

/// Collects structured log entries that are written next to the result.
class FunctionLogger {
  final Map<String, List<Map<String, dynamic>>> _entries = <String, List<Map<String, dynamic>>>{
    'error': <Map<String, dynamic>>[],
    'debug': <Map<String, dynamic>>[],
    'info': <Map<String, dynamic>>[],
  };

  void info(String message, [Map<String, dynamic>? metadata]) => _add('info', message, metadata);

  void debug(String message, [Map<String, dynamic>? metadata]) => _add('debug', message, metadata);

  void error(String message, [Map<String, dynamic>? metadata]) => _add('error', message, metadata);

  void _add(String level, String message, Map<String, dynamic>? metadata) {
    final entry = <String, dynamic>{
      'message': message,
      'timestamp': DateTime.now().toUtc().toIso8601String(),
    };
    if (metadata != null) {
      entry['metadata'] = metadata;
    }
    _entries[level]!.add(entry);
  }

  Map<String, dynamic> toJson() => _entries;
}

/// Parses KEY=VALUE lines, ignoring blanks and comments.
Map<String, String> parseEnvConfig(String content) {
  final out = <String, String>{};
  for (final raw in content.split('\n')) {
    final line = raw.trim();
    if (line.isEmpty || line.startsWith('#')) {
      continue;
    }
    final idx = line.indexOf('=');
    if (idx <= 0) {
      continue;
    }
    var value = line.substring(idx + 1).trim();
    if (value.length >= 2 && (value.startsWith('"') && value.endsWith('"') || value.startsWith("'") && value.endsWith("'"))) {
      value = value.substring(1, value.length - 1);
    }
    out[line.substring(0, idx).trim()] = value;
  }
  return out;
}

Map<String, String> _stringMap(Object? value) {
  if (value is Map) {
    return value.map((k, v) => MapEntry(k.toString(), v.toString()));
  }
  return <String, String>{};
}
`
